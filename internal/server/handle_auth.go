package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/sessions"
	echosession "github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"

	"github.com/unggoy/unggoy-api/internal/autherr"
	"github.com/unggoy/unggoy-api/internal/login"
)

func (s *Server) handleLoginBegin(e echo.Context) error {
	out, attempt := s.flow.Begin(e.QueryParam("returnUrl"))
	if attempt == nil {
		return s.respond(e, out)
	}

	if err := s.saveAttempt(e, attempt); err != nil {
		return err
	}

	return s.respond(e, out)
}

func (s *Server) handleLoginCallback(e echo.Context) error {
	attempt := s.loadAttempt(e)

	// the attempt is single use whatever happens next
	if err := s.clearAttempt(e); err != nil {
		s.logger.Warn("could not clear login attempt cookie", "error", err)
	}

	out := s.flow.Complete(e.Request().Context(), attempt, e.QueryParam("state"), e.QueryParam("code"))

	return s.respond(e, out)
}

func (s *Server) handleLogout(e echo.Context) error {
	var sessionID string
	if sess := currentSession(e); sess != nil {
		sessionID = sess.ID
	}

	returnURL := e.QueryParam("returnUrl")
	if returnURL == "" {
		returnURL = e.FormValue("returnUrl")
	}

	return s.respond(e, s.flow.Logout(e.Request().Context(), sessionID, returnURL))
}

// respond turns a login outcome into cookies and a redirect or error body.
func (s *Server) respond(e echo.Context, out login.Outcome) error {
	if out.Session != nil {
		e.SetCookie(s.sessions.Cookie(out.Session))
	}

	if out.ClearSession {
		e.SetCookie(s.sessions.BlankCookie())
	}

	if out.Redirect != "" {
		return e.Redirect(out.Status, out.Redirect)
	}

	if out.Err != nil {
		if out.Status >= http.StatusInternalServerError {
			s.logger.Error("login request failed", "error", out.Err)
		}
		return e.JSON(out.Status, errorResponse{Error: autherr.Message(out.Err)})
	}

	return e.NoContent(out.Status)
}

func (s *Server) attemptSession(e echo.Context) (*sessions.Session, error) {
	return echosession.Get(attemptCookieName, e)
}

// The attempt has to survive the cross-site redirect back from the identity provider, so it is
// Lax rather than Strict.
func (s *Server) attemptOptions(maxAge int) *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) saveAttempt(e echo.Context, attempt *login.Attempt) error {
	sess, err := s.attemptSession(e)
	if sess == nil {
		return err
	}
	if err != nil {
		// an undecodable old cookie is simply replaced
		s.logger.Debug("discarding unreadable login attempt cookie", "error", err)
	}

	b, err := json.Marshal(attempt)
	if err != nil {
		return err
	}

	sess.Options = s.attemptOptions(int(login.AttemptLifetime.Seconds()))
	sess.Values = map[any]any{"attempt": string(b)}

	return sess.Save(e.Request(), e.Response())
}

// loadAttempt returns nil when there is no readable attempt cookie.
func (s *Server) loadAttempt(e echo.Context) *login.Attempt {
	sess, err := s.attemptSession(e)
	if err != nil {
		return nil
	}

	raw, ok := sess.Values["attempt"].(string)
	if !ok {
		return nil
	}

	var attempt login.Attempt
	if err := json.Unmarshal([]byte(raw), &attempt); err != nil {
		return nil
	}

	return &attempt
}

func (s *Server) clearAttempt(e echo.Context) error {
	sess, err := s.attemptSession(e)
	if sess == nil {
		return err
	}

	sess.Options = s.attemptOptions(-1)
	sess.Values = map[any]any{}

	return sess.Save(e.Request(), e.Response())
}

// Package login is the dashboard session service: username/password
// login with GSESS/GSURF cookies, short-lived ws tokens for the
// websocket stream, and profile lookups for presence enrichment.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"nuha.dev/presence/internal/store"
	"nuha.dev/presence/internal/storesrv"
	"nuha.dev/presence/internal/util"
)

type LoginHandler struct {
	db *pgxpool.Pool
	*validator.Validate
	cookieDomain string
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type ChangePwdRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

type ChangePwdResponse struct {
	Status int `json:"status"`
}

type LoginResponse struct {
	Status       int `json:"status"`
	*UserInfo    `json:"user_info,omitempty"`
	*SessionInfo `json:"session_info,omitempty"`
}

type UserInfo struct {
	Username      string `json:"username"`
	DisplayName   string `json:"display_name"`
	InitDone      bool   `json:"init_done"`
	SessionLength int    `json:"session_length"`
}

type SessionInfo struct {
	CsrfToken  string    `json:"csrf_token"`
	WsToken    string    `json:"ws_token"`
	ValidUntil time.Time `json:"valid_until"`
}

type GetWsTokenResponse struct {
	WsToken string `json:"ws_token"`
}

type session struct {
	session_id  string
	ws_token    string
	csrf_token  string
	valid_until time.Time
}

var errUserSuspended = errors.New("user suspended")
var errUserInvalid = errors.New("user invalid")

// ErrBadToken is returned for ws tokens that match no live session.
var ErrBadToken = errors.New("invalid ws token")

func NewLoginHandler(db *pgxpool.Pool, cookieDomain string) *LoginHandler {
	return &LoginHandler{db: db, Validate: validator.New(), cookieDomain: cookieDomain}
}

func (l *LoginHandler) login(ctx context.Context, username, password string) (*session, *UserInfo, error) {

	sqlStmt := `SELECT id,password,display_name,init_done,suspended,session_length_sec FROM webuser WHERE username = $1`
	row := l.db.QueryRow(ctx, sqlStmt, username)
	id := pgtype.UUID{}
	var hashpwd string
	var display_name string
	var sess_length int
	var init_done bool
	var suspended bool
	err := row.Scan(&id, &hashpwd, &display_name, &init_done, &suspended, &sess_length)
	if err == pgx.ErrNoRows {
		return nil, nil, errUserInvalid
	} else if err != nil {
		panic(err)
	}
	if suspended {
		return nil, nil, errUserSuspended
	}
	err = bcrypt.CompareHashAndPassword([]byte(hashpwd), []byte(password))
	if err != nil {
		return nil, nil, errUserInvalid
	}

	session_id := util.GenRandomString(id.Bytes[:], 24)
	csrf_token := util.GenRandomString(id.Bytes[:], 24)
	ws_token := util.GenRandomString(id.Bytes[:], 24)
	valid_until := time.Now().Add(time.Duration(sess_length) * time.Second)

	sqlStmt = `INSERT INTO session (session_id,user_id,csrf_token,ws_token,created_at,valid_until)
	VALUES($1,$2,$3,$4,now(),$5)`
	_, err = l.db.Exec(ctx, sqlStmt, session_id, &id, csrf_token, ws_token, valid_until)
	if err != nil {
		panic(err)
	}
	user_info := &UserInfo{Username: username, DisplayName: display_name, InitDone: init_done, SessionLength: sess_length}
	return &session{session_id: session_id, ws_token: ws_token, csrf_token: csrf_token, valid_until: valid_until}, user_info, nil
}

func login_success_setCookie(w http.ResponseWriter, sessionId, csrfToken, domain string) {
	http.SetCookie(w, &http.Cookie{
		Domain:   domain,
		SameSite: http.SameSiteLaxMode,
		HttpOnly: true,
		Name:     "GSESS",
		Value:    sessionId,
		Path:     "/func",
		Expires:  time.Now().Add(time.Hour),
	})

	http.SetCookie(w, &http.Cookie{
		Domain:   domain,
		SameSite: http.SameSiteLaxMode,
		HttpOnly: true,
		Name:     "GSURF",
		Value:    csrfToken,
		Path:     "/func",
		Expires:  time.Now().Add(time.Hour),
	})
}

func clear_session_cookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Secure:   true,
		HttpOnly: true,
		Name:     "GSESS",
		Value:    "",
		Path:     "/func",
		Expires:  time.Unix(0, 0),
	})
}

func (l *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	req_body := LoginRequest{}
	err := json.NewDecoder(r.Body).Decode(&req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = l.Validate.Struct(req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, user_info, err := l.login(r.Context(), req_body.Username, req_body.Password)
	if err == nil {
		login_success_setCookie(w, sess.session_id, sess.csrf_token, l.cookieDomain)
		res := LoginResponse{Status: 0, UserInfo: user_info,
			SessionInfo: &SessionInfo{CsrfToken: sess.csrf_token, WsToken: sess.ws_token, ValidUntil: sess.valid_until}}
		util.JsonWrite(w, res)
	} else {
		util.JsonWrite(w, LoginResponse{Status: -1})
	}
}

func (l *LoginHandler) Logout(w http.ResponseWriter, r *http.Request) {
	clear_session_cookie(w)
	ck, err := r.Cookie("GSESS")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	_, err = l.db.Exec(r.Context(), `DELETE FROM session WHERE session_id = $1`, ck.Value)
	if err != nil {
		panic(err)
	}
	w.WriteHeader(http.StatusOK)
}

func (l *LoginHandler) init_password(ctx context.Context, session_id string, req *ChangePwdRequest, w http.ResponseWriter) {
	var user_passwd string
	var user_id string
	tx, err := l.db.Begin(ctx)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `SELECT webuser.id,webuser.password
	FROM webuser INNER JOIN session ON session.user_id = webuser.id
	WHERE session.session_id = $1 and session.valid_until > now()
	and not webuser.suspended
	FOR UPDATE OF webuser NOWAIT`, session_id)
	err = row.Scan(&user_id, &user_passwd)
	if err != nil {
		if err == pgx.ErrNoRows {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		} else {
			panic(err)
		}
	}

	//verify current password
	err = bcrypt.CompareHashAndPassword([]byte(user_passwd), []byte(req.CurrentPassword))
	if err != nil {
		util.JsonWrite(w, ChangePwdResponse{Status: -1})
		return
	}

	//change password, set init_done flag
	_, err = tx.Exec(ctx, `UPDATE webuser SET password = $1,init_done = true,updated_at = now() WHERE id = $2`,
		util.CryptPwd(req.NewPassword), user_id)
	if err != nil {
		panic(err)
	}

	//invalidate all sessions
	_, err = tx.Exec(ctx, `DELETE FROM session WHERE user_id = $1`, user_id)
	if err != nil {
		panic(err)
	}

	clear_session_cookie(w)
	util.JsonWrite(w, ChangePwdResponse{Status: 0})
	err = tx.Commit(ctx)
	if err != nil {
		panic(err)
	}
}

func (l *LoginHandler) InitPassword(w http.ResponseWriter, r *http.Request) {
	ck, err := r.Cookie("GSESS")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	req_body := ChangePwdRequest{}
	err = json.NewDecoder(r.Body).Decode(&req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = l.Validate.Struct(req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.init_password(r.Context(), ck.Value, &req_body, w)
}

func (l *LoginHandler) GetWsToken(w http.ResponseWriter, r *http.Request) {
	var ws_token string
	ck, err := r.Cookie("GSESS")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	row := l.db.QueryRow(r.Context(), `SELECT session.ws_token
	FROM webuser INNER JOIN session ON session.user_id = webuser.id
	WHERE session.session_id = $1
	and session.valid_until > now()
	and not webuser.suspended`, ck.Value)
	err = row.Scan(&ws_token)
	if err != nil {
		if err == pgx.ErrNoRows {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		} else {
			panic(err)
		}
	}
	util.JsonWrite(w, GetWsTokenResponse{WsToken: ws_token})
}

// VerifyWsToken resolves a websocket token to its username. Used by the
// webstream handshake.
func (l *LoginHandler) VerifyWsToken(ctx context.Context, token string) (string, error) {
	var username string
	row := l.db.QueryRow(ctx, `SELECT webuser.username
	FROM webuser INNER JOIN session ON session.user_id = webuser.id
	WHERE session.ws_token = $1
	and session.valid_until > now()
	and not webuser.suspended`, token)
	err := row.Scan(&username)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrBadToken
		}
		return "", err
	}
	return username, nil
}

// Lookup resolves a presence user id (the username) to a display
// profile. Implements the store api's directory.
func (l *LoginHandler) Lookup(ctx context.Context, userID string) (*storesrv.Profile, error) {
	var display_name, avatar_url string
	row := l.db.QueryRow(ctx, `SELECT display_name,coalesce(avatar_url,'') FROM webuser WHERE username = $1`, userID)
	err := row.Scan(&display_name, &avatar_url)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &storesrv.Profile{UserID: userID, DisplayName: display_name, AvatarURL: avatar_url}, nil
}

package web

import (
	"crypto/subtle"
	"log"
	"net/http"

	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const (
	sessionName = "giiaa"
	authKey     = "authenticated"
)

type AuthMiddleware struct {
	store *sessions.CookieStore
	opts  httpauth.AuthOptions
}

// Setup new middleware for authenticating requests against a single user name and password.
// Session keys are generated at random so sessions do not survive a restart.
func NewAuthMiddleware(user, pass string) AuthMiddleware {
	hashKey := securecookie.GenerateRandomKey(32)
	blockKey := securecookie.GenerateRandomKey(32)
	store := sessions.NewCookieStore(hashKey, blockKey)
	store.Options = &sessions.Options{Path: "/", MaxAge: 86400, HttpOnly: true}
	return AuthMiddleware{
		store: store,
		opts: httpauth.AuthOptions{
			Realm: "Restricted",
			AuthFunc: func(u, p string, r *http.Request) bool {
				ok := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1 &&
					subtle.ConstantTimeCompare([]byte(p), []byte(pass)) == 1
				log.Println("auth", u, ok)
				return ok
			},
		},
	}
}

// If the session is not authenticated then use basic auth to login and set the session cookie.
func (mw AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session, err := mw.store.Get(r, sessionName); err == nil {
			if ok, _ := session.Values[authKey].(bool); ok {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpauth.BasicAuth(mw.opts)(mw.setCookie(next)).ServeHTTP(w, r)
	})
}

func (mw AuthMiddleware) setCookie(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ := mw.store.Get(r, sessionName)
		session.Values[authKey] = true
		if err := session.Save(r, w); err != nil {
			log.Println("error saving session:", err)
		}
		h.ServeHTTP(w, r)
	})
}

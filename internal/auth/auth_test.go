package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/michaelbrown/codelab/internal/storage"
)

func testIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	i, err := NewTokenIssuer("test-secret", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return i
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "hunter2" {
		t.Fatal("password stored in clear")
	}
	if err := CheckPassword(hash, "hunter2"); err != nil {
		t.Errorf("CheckPassword(correct) = %v", err)
	}
	if err := CheckPassword(hash, "hunter3"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("CheckPassword(wrong) = %v, want ErrInvalidCredentials", err)
	}
}

func TestSignupRole(t *testing.T) {
	admin := &storage.User{Role: storage.RoleAdmin}
	student := &storage.User{Role: storage.RoleStudent}
	tests := []struct {
		name      string
		requested storage.Role
		requester *storage.User
		existing  int
		want      storage.Role
	}{
		{"first account may be admin", storage.RoleAdmin, nil, 0, storage.RoleAdmin},
		{"anonymous later signup", storage.RoleAdmin, nil, 3, storage.RoleStudent},
		{"student cannot grant admin", storage.RoleAdmin, student, 3, storage.RoleStudent},
		{"admin grants admin", storage.RoleAdmin, admin, 3, storage.RoleAdmin},
		{"default is student", "", nil, 0, storage.RoleStudent},
	}
	for _, tt := range tests {
		if got := SignupRole(tt.requested, tt.requester, tt.existing); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestIssueAndParse(t *testing.T) {
	i := testIssuer(t)
	raw, err := i.Issue("ada", storage.RoleAdmin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := i.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "ada" || claims.Role != storage.RoleAdmin {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseRejects(t *testing.T) {
	i := testIssuer(t)

	other, _ := NewTokenIssuer("other-secret", time.Minute)
	forged, _ := other.Issue("ada", storage.RoleAdmin)

	expired := testIssuer(t)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, _ := expired.Issue("ada", storage.RoleStudent)

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ada", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, raw := range map[string]string{
		"empty":      "",
		"garbage":    "not.a.jwt",
		"bad secret": forged,
		"expired":    stale,
		"alg none":   none,
	} {
		if _, err := i.Parse(raw); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: error = %v, want ErrInvalidToken", name, err)
		}
	}
}

type fakeUsers map[string]*storage.User

func (f fakeUsers) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	if u, ok := f[username]; ok {
		return u, nil
	}
	return nil, storage.ErrNotFound
}

func TestMiddleware(t *testing.T) {
	i := testIssuer(t)
	users := fakeUsers{
		"ada":   {Username: "ada", Role: storage.RoleAdmin},
		"grace": {Username: "grace", Role: storage.RoleStudent},
	}
	adminTok, _ := i.Issue("ada", storage.RoleAdmin)
	studentTok, _ := i.Issue("grace", storage.RoleStudent)
	ghostTok, _ := i.Issue("ghost", storage.RoleAdmin)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	authn := Authenticate(i, users)

	tests := []struct {
		name    string
		handler http.Handler
		header  string
		want    int
	}{
		{"optional anonymous", authn(ok), "", http.StatusNoContent},
		{"optional bad token", authn(ok), "Bearer junk", http.StatusNoContent},
		{"user required anonymous", authn(RequireUser(ok)), "", http.StatusUnauthorized},
		{"user required student", authn(RequireUser(ok)), "Bearer " + studentTok, http.StatusNoContent},
		{"user required deleted account", authn(RequireUser(ok)), "Bearer " + ghostTok, http.StatusUnauthorized},
		{"admin required student", authn(RequireAdmin(ok)), "Bearer " + studentTok, http.StatusForbidden},
		{"admin required admin", authn(RequireAdmin(ok)), "bearer " + adminTok, http.StatusNoContent},
		{"admin required anonymous", authn(RequireAdmin(ok)), "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthenticateQueryToken(t *testing.T) {
	i := testIssuer(t)
	tok, _ := i.Issue("grace", storage.RoleStudent)
	users := fakeUsers{"grace": {Username: "grace", Role: storage.RoleStudent}}

	var seen *storage.User
	h := Authenticate(i, users)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFrom(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil))
	if seen == nil || seen.Username != "grace" {
		t.Errorf("user = %+v, want grace", seen)
	}
}

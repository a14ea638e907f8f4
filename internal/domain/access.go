package domain

import "fmt"

// Role classifies which protected views a user may render.
type Role string

// Roles understood by the route guard. RoleAny admits every authenticated
// session and is never stored on a user.
const (
	RoleAny    Role = "ANY"
	RoleAdmin  Role = "ADMIN"
	RoleBarber Role = "BARBER"
	RoleClient Role = "CLIENT"
)

// Valid reports whether r is a role a user can hold.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleBarber, RoleClient:
		return true
	}
	return false
}

// ParseRole validates a role string taken from configuration. Unlike Valid it
// accepts the RoleAny sentinel.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if r == RoleAny || r.Valid() {
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Tipo is the secondary account classification. Only TipoAdministrador has
// an effect: it grants the ADMIN role regardless of Role.
type Tipo string

const (
	TipoAdministrador Tipo = "ADMINISTRADOR"
	TipoComum         Tipo = "COMUM"
)

// Valid reports whether t is a known classification.
func (t Tipo) Valid() bool {
	return t == TipoAdministrador || t == TipoComum
}

// SessionUser is the part of a user the guard reads.
type SessionUser struct {
	Role Role `json:"role"`
	Tipo Tipo `json:"tipo"`
}

// SessionState is a read-only snapshot of who is navigating. User may be nil
// even when IsAuthenticated is true.
type SessionState struct {
	IsAuthenticated bool         `json:"isAuthenticated"`
	User            *SessionUser `json:"user"`
}

// DecisionKind is the outcome of a guard check.
type DecisionKind int

const (
	Render DecisionKind = iota
	RedirectToLogin
	RedirectToHome
)

func (k DecisionKind) String() string {
	switch k {
	case Render:
		return "render"
	case RedirectToLogin:
		return "redirect_login"
	case RedirectToHome:
		return "redirect_home"
	}
	return fmt.Sprintf("DecisionKind(%d)", int(k))
}

// LoginRequiredMessage accompanies every RedirectToLogin decision.
const LoginRequiredMessage = "you need to log in to continue"

// Decision is the guard's verdict for one navigation.
type Decision struct {
	Kind    DecisionKind
	Message string
}

// Decide classifies a navigation to a view that requires role. It has no
// side effects and may be called concurrently.
func Decide(state SessionState, required Role) Decision {
	if !state.IsAuthenticated {
		return Decision{Kind: RedirectToLogin, Message: LoginRequiredMessage}
	}
	if !hasRole(state.User, required) {
		return Decision{Kind: RedirectToHome}
	}
	return Decision{Kind: Render}
}

func hasRole(u *SessionUser, required Role) bool {
	if required == RoleAny {
		return true
	}
	if u == nil {
		return false
	}
	if u.Role == required {
		return true
	}
	return required == RoleAdmin && u.Tipo == TipoAdministrador
}

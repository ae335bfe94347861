package crypto

import "github.com/golang-jwt/jwt/v5"

// SessionClaims is the CRM session token payload. Subject carries the user
// id; the rest feeds actor attribution on the audit trail.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email        string   `json:"email"`
	Name         string   `json:"name,omitempty"`
	Roles        []string `json:"roles"`
	ActorType    string   `json:"actor_type,omitempty"`
	ContractorID string   `json:"contractor_id,omitempty"`
}

func (c *SessionClaims) GetRoles() []string {
	if c.Roles == nil {
		return []string{}
	}
	return c.Roles
}

func (c *SessionClaims) GetActorType() string {
	if c.ActorType == "" {
		return "user"
	}
	return c.ActorType
}

package audit

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/fieldline/audittrail/contextx"
)

// ContactHeader is the legacy header portal clients send when no server-side
// contact session exists. Its value is a URL-encoded JSON blob.
const ContactHeader = "X-Contact-User"

// ContactSession is a minimal view of an authenticated portal contact.
type ContactSession struct {
	ContactID    string
	Email        string
	Name         string
	Role         string
	ContractorID string
}

// ContactSessionReader looks up the portal contact bound to a request, if
// any. Implementations must be read-only: resolution never touches session
// state.
type ContactSessionReader interface {
	Session(r *http.Request) (ContactSession, bool)
}

// ActorResolver determines who is behind a request. It never fails and
// never mutates the request; when nothing identifies the caller the answer
// is the anonymous actor.
type ActorResolver struct {
	sessions ContactSessionReader
}

func NewActorResolver(sessions ContactSessionReader) *ActorResolver {
	return &ActorResolver{sessions: sessions}
}

// Resolve applies the identity sources in priority order:
// authenticated principal, contact-typed session token, portal contact
// session, contact header, anonymous.
func (ar *ActorResolver) Resolve(r *http.Request) Actor {
	ctx := r.Context()

	if id := contextx.GetPrincipalID(ctx); id != "" {
		return Actor{
			Kind:  ActorUser,
			ID:    id,
			Email: contextx.GetPrincipalEmail(ctx),
			Name:  contextx.GetPrincipalName(ctx),
			Roles: contextx.GetPrincipalRoles(ctx),
		}
	}

	if id := contextx.GetContactID(ctx); id != "" {
		return Actor{
			Kind:         ActorContact,
			ID:           id,
			Email:        contextx.GetContactEmail(ctx),
			Name:         contextx.GetContactName(ctx),
			ContractorID: contextx.GetContractorID(ctx),
		}
	}

	if ar.sessions != nil {
		if sess, ok := ar.sessions.Session(r); ok {
			return Actor{
				Kind:         ActorContact,
				ID:           sess.ContactID,
				Email:        sess.Email,
				Name:         sess.Name,
				Roles:        rolesOf(sess.Role),
				ContractorID: sess.ContractorID,
			}
		}
	}

	if actor, ok := actorFromContactHeader(r.Header.Get(ContactHeader)); ok {
		return actor
	}

	return AnonymousActor()
}

type contactHeaderPayload struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	FullName     string `json:"fullName"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	ContractorID string `json:"contractorId"`
}

// actorFromContactHeader decodes the URL-encoded JSON contact header.
// Malformed input is swallowed: a broken header must not break the request
// or poison the trail with errors.
func actorFromContactHeader(raw string) (Actor, bool) {
	if raw == "" {
		return Actor{}, false
	}

	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return Actor{}, false
	}

	var payload contactHeaderPayload
	if err := json.Unmarshal([]byte(decoded), &payload); err != nil {
		return Actor{}, false
	}

	name := payload.FullName
	if name == "" {
		name = payload.Name
	}

	return Actor{
		Kind:         ActorContact,
		ID:           payload.ID,
		Email:        payload.Email,
		Name:         name,
		Roles:        rolesOf(payload.Role),
		ContractorID: payload.ContractorID,
	}, true
}

func rolesOf(role string) []string {
	if role == "" {
		return nil
	}
	return []string{role}
}

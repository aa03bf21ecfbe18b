package role

// Actor is the explicit acting context threaded through every engine call.
type Actor struct {
	SubjectID string
	Class     Class
	// ClientID is the client record a Client subject belongs to.
	ClientID string
	// ViewingClientID is set when an Admin acts on behalf of a client.
	ViewingClientID string
}

func (a Actor) IsAdmin() bool        { return a.Class == Admin }
func (a Actor) IsCollaborator() bool { return a.Class == Collaborator }
func (a Actor) IsClient() bool       { return a.Class == Client }

// Classified reports whether the actor may pass any gate at all.
func (a Actor) Classified() bool {
	return a.Class != Unclassified && a.SubjectID != ""
}

// ActsForClient reports whether the actor speaks for clientID, either as
// that client's own subject or as an Admin explicitly viewing as it.
func (a Actor) ActsForClient(clientID string) bool {
	if clientID == "" {
		return false
	}
	switch a.Class {
	case Client:
		return a.ClientID == clientID
	case Admin:
		return a.ViewingClientID == clientID
	default:
		return false
	}
}

// EffectiveClientID is the client scope for listings: the client's own id,
// the id an Admin is viewing as, or empty for unscoped staff views.
func (a Actor) EffectiveClientID() string {
	switch a.Class {
	case Client:
		return a.ClientID
	case Admin:
		return a.ViewingClientID
	default:
		return ""
	}
}

package user

// Identity is the authenticated account attached to a chat session.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Empty reports whether the identity carries no user id.
func (i Identity) Empty() bool {
	return i.ID == ""
}

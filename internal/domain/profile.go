package domain

// Profile is the signed-in user. There is at most one per session and it
// is replaced wholesale, so it carries no sync state.
type Profile struct {
	ID          string
	Email       string
	DisplayName string
	AvatarRef   string
}

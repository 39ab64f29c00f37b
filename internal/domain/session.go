package domain

// Session is the client's view of the authenticated user.
// IsLoading is true only until persisted tokens have been read.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	IsLoading    bool   `json:"isLoading"`
}

// Authenticated reports whether the session may be treated as logged in.
func (s Session) Authenticated() bool {
	return !s.IsLoading && s.AccessToken != ""
}

// TokenPair is the credential pair issued by the login and refresh endpoints.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

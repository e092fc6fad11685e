package entity

// Profile is the public identity shown next to messages and conversations.
type Profile struct {
	ID          string `json:"id" firestore:"id"`
	DisplayName string `json:"display_name" firestore:"displayName"`
	CompanyName string `json:"company_name,omitempty" firestore:"companyName,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty" firestore:"avatarUrl,omitempty"`
	Role        string `json:"role,omitempty" firestore:"role,omitempty"`
}

func PlaceholderProfile(userID string) *Profile {
	return &Profile{ID: userID, DisplayName: userID}
}

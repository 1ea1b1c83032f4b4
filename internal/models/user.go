package models

// User представляет минимальную информацию о пользователе для API
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	UserImage string `json:"user_image,omitempty"`
	Role      string `json:"role,omitempty"`
}

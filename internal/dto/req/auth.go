package req

type RegisterReq struct {
	Email  string `json:"email" binding:"required,email"`
	Name   string `json:"name" binding:"required"`
	Avatar string `json:"avatar,omitempty"`
}

type RefreshReq struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

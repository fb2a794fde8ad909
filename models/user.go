package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Username  string    `gorm:"size:100;not null;uniqueIndex" json:"username"`
	Name      string    `gorm:"size:255" json:"name"`
	Email     string    `gorm:"size:255" json:"email"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	Role      string    `gorm:"size:30;not null;default:'user'" json:"role"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Username string `json:"username" binding:"required"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role"`
}

type LoginInfo struct {
	Token string `json:"token"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {
	db := config.GetDB()

	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return nil, errors.New("invalid email")
	}
	if err := utils.ValidateUnique[User](ctx, "username", input.Username, 0); err != nil {
		return nil, err
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}
	role := input.Role
	if role == "" {
		role = "user"
	}

	user := User{
		Username: input.Username,
		Name:     input.Name,
		Email:    input.Email,
		Password: string(hashed),
		Role:     role,
		IsActive: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func Login(ctx context.Context, username string, password string) (*LoginInfo, error) {
	db := config.GetDB()

	var user User
	if err := db.WithContext(ctx).Model(&User{}).
		Where("username = ?", username).Take(&user).Error; err != nil {
		return nil, errors.New("invalid username or password")
	}

	err := utils.ComparePassword(user.Password, password)
	if err != nil && err == bcrypt.ErrMismatchedHashAndPassword {
		return nil, errors.New("invalid username or password")
	}
	if user.IsActive != nil && !*user.IsActive {
		return nil, errors.New("user is disabled")
	}

	token, err := utils.JwtGenerate(user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	return &LoginInfo{
		Token: token,
		Name:  user.Username,
		Role:  user.Role,
	}, nil
}

package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// UserRole represents the roles carried in identity provider tokens.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleTeacher    UserRole = "TEACHER"
	RoleStudent    UserRole = "STUDENT"
)

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email,omitempty"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}

// Identity is the subject a token is minted for.
type Identity struct {
	UserID   string   `json:"user_id" validate:"required"`
	Role     UserRole `json:"role" validate:"required,oneof=SUPERADMIN ADMIN TEACHER STUDENT"`
	Email    string   `json:"email,omitempty" validate:"omitempty,email"`
	FullName string   `json:"full_name" validate:"required"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

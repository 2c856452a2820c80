package models

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID int64
	Role   string
}

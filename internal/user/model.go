package user

import "time"

type User struct {
	ID        int64     `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	Country   *string   `db:"country" json:"country,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

func (u *User) CountryCode() string {
	if u.Country == nil {
		return ""
	}
	return *u.Country
}

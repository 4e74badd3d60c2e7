package model

type User struct {
	ID              string  `db:"id" json:"id"`
	CompanyName     *string `db:"company_name" json:"companyName,omitempty"`
	Email           *string `db:"email" json:"email,omitempty"`
	PasswordHash    string  `db:"password" json:"-"`
	UpdatePwdStatus bool    `db:"update_pwd_status" json:"updatePwdStatus"`
}

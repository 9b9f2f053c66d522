// Package model holds the source-side records and the transient results
// produced while reconciling them with the CRM.
package model

import (
	"strconv"
	"strings"
	"time"
)

// Gender mirrors the IDENT Persons.Sex column.
type Gender int

const (
	GenderUnknown Gender = iota
	GenderMale
	GenderFemale
)

func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "male"
	case GenderFemale:
		return "female"
	default:
		return "unknown"
	}
}

// Patient is a patient card joined with its person record.
type Patient struct {
	ID           int64      `json:"id"`
	Number       string     `json:"number,omitempty"`
	Surname      string     `json:"surname,omitempty"`
	Name         string     `json:"name,omitempty"`
	Patronymic   string     `json:"patronymic,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	MobilePhone  string     `json:"mobile_phone,omitempty"`
	Email        string     `json:"email,omitempty"`
	Birthday     *time.Time `json:"birthday,omitempty"`
	Gender       Gender     `json:"gender"`
	CardNumber   string     `json:"card_number,omitempty"`
	Comment      string     `json:"comment,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	LastModified time.Time  `json:"last_modified"`
}

// FullName joins surname, name and patronymic. Patients without a person
// record fall back to "Patient <id>".
func (p Patient) FullName() string {
	var parts []string
	for _, s := range []string{p.Surname, p.Name, p.Patronymic} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "Patient " + strconv.FormatInt(p.ID, 10)
	}
	return strings.Join(parts, " ")
}

// PrimaryPhone prefers the mobile number over the landline.
func (p Patient) PrimaryPhone() string {
	if m := strings.TrimSpace(p.MobilePhone); m != "" {
		return m
	}
	return strings.TrimSpace(p.Phone)
}

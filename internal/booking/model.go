package booking

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RolePatient   Role = "patient"
	RoleCaregiver Role = "caregiver"
)

// ParseRole accepts the role names case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePatient:
		return RolePatient, nil
	case RoleCaregiver:
		return RoleCaregiver, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type AppointmentStatus string

const (
	StatusActive    AppointmentStatus = "active"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Identity is the authenticated caller, supplied explicitly on every call.
type Identity struct {
	Username string
	Role     Role
}

// Slot is one caregiver's capacity on one date. The pair is the natural key.
type Slot struct {
	CaregiverUsername string
	Date              Date
}

type VaccineStock struct {
	Name  string
	Doses int
}

type Appointment struct {
	ID                int64
	Date              Date
	CaregiverUsername string
	PatientUsername   string
	VaccineName       string
	Status            AppointmentStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Counterpart returns the other participant from the point of view of role.
func (a Appointment) Counterpart(role Role) string {
	if role == RoleCaregiver {
		return a.PatientUsername
	}
	return a.CaregiverUsername
}

func (a Appointment) HasParticipant(who Identity) bool {
	switch who.Role {
	case RoleCaregiver:
		return a.CaregiverUsername == who.Username
	case RolePatient:
		return a.PatientUsername == who.Username
	}
	return false
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *int64
	Payload       []byte
	CreatedAt     time.Time
}

// Reservation is the result of a committed reserve.
type Reservation struct {
	AppointmentID     int64
	CaregiverUsername string
}

// AvailabilityRow is one caregiver x vaccine combination open on a date.
type AvailabilityRow struct {
	CaregiverUsername string
	VaccineName       string
	Doses             int
}

type AppointmentRow struct {
	AppointmentID       int64
	Date                Date
	VaccineName         string
	CounterpartUsername string
	Status              AppointmentStatus
}

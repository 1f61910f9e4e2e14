package api

import "github.com/hackgods/vaccine-reservation-scheduling/internal/booking"

type ReserveRequest struct {
	Date    string `json:"date"`
	Vaccine string `json:"vaccine"`
}

type CreateVaccineRequest struct {
	Name  string `json:"name"`
	Doses int    `json:"doses"`
}

type AddDosesRequest struct {
	Count int `json:"count"`
}

type PublishAvailabilityRequest struct {
	Date string `json:"date"`
}

type ReservationResponse struct {
	AppointmentID     int64  `json:"appointment_id"`
	CaregiverUsername string `json:"caregiver_username"`
}

type AppointmentResponse struct {
	AppointmentID       int64        `json:"appointment_id"`
	Date                booking.Date `json:"date"`
	Vaccine             string       `json:"vaccine"`
	CounterpartUsername string       `json:"counterpart_username"`
	Status              string       `json:"status"`
}

type AvailabilityResponse struct {
	CaregiverUsername string `json:"caregiver_username"`
	Vaccine           string `json:"vaccine"`
	Doses             int    `json:"doses"`
}

type VaccineResponse struct {
	Name  string `json:"name"`
	Doses int    `json:"doses"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

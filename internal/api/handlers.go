package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/vaccine-reservation-scheduling/internal/booking"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/logging"
)

func reserveHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, _ := GetIdentity(r.Context())

		var req ReserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		date, err := booking.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		res, err := svc.Reserve(r.Context(), date, req.Vaccine, who.Username)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, ReservationResponse{
			AppointmentID:     res.AppointmentID,
			CaregiverUsername: res.CaregiverUsername,
		})
	}
}

func cancelHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, _ := GetIdentity(r.Context())

		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
			return
		}

		if err := svc.Cancel(r.Context(), id, who); err != nil {
			handleBookingError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func listAppointmentsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, _ := GetIdentity(r.Context())

		includeCancelled := false
		if v := r.URL.Query().Get("include_cancelled"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_include_cancelled", "include_cancelled must be a boolean")
				return
			}
			includeCancelled = b
		}

		rows, err := svc.ListAppointments(r.Context(), who, includeCancelled)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(rows))
		for _, row := range rows {
			resp = append(resp, AppointmentResponse{
				AppointmentID:       row.AppointmentID,
				Date:                row.Date,
				Vaccine:             row.VaccineName,
				CounterpartUsername: row.CounterpartUsername,
				Status:              string(row.Status),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func createVaccineHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateVaccineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if err := svc.CreateVaccine(r.Context(), req.Name, req.Doses); err != nil {
			handleBookingError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, VaccineResponse{Name: req.Name, Doses: req.Doses})
	}
}

func addDosesHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddDosesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if err := svc.AddDoses(r.Context(), chi.URLParam(r, "name"), req.Count); err != nil {
			handleBookingError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func getVaccineHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		doses, err := svc.GetDoses(r.Context(), name)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, VaccineResponse{Name: name, Doses: doses})
	}
}

func publishAvailabilityHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, _ := GetIdentity(r.Context())

		var req PublishAvailabilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		date, err := booking.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		if err := svc.PublishAvailability(r.Context(), who.Username, date); err != nil {
			handleBookingError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func listAvailabilityHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, err := booking.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date query parameter must be YYYY-MM-DD")
			return
		}

		rows, err := svc.ListAvailability(r.Context(), date)
		if err != nil {
			handleBookingError(w, r, err)
			return
		}

		resp := make([]AvailabilityResponse, 0, len(rows))
		for _, row := range rows {
			resp = append(resp, AvailabilityResponse{
				CaregiverUsername: row.CaregiverUsername,
				Vaccine:           row.VaccineName,
				Doses:             row.Doses,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleBookingError(w http.ResponseWriter, r *http.Request, err error) {
	var fields map[string]string
	var bErr *booking.Error
	if errors.As(err, &bErr) {
		fields = bErr.Fields
	}

	switch booking.KindOf(err) {
	case booking.KindValidation:
		writeErrorFields(w, http.StatusBadRequest, "validation_failed", err.Error(), fields)
	case booking.KindNotFound:
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case booking.KindConflict:
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case booking.KindUnauthorized:
		writeError(w, http.StatusForbidden, "unauthorized", err.Error())
	case booking.KindStorage:
		logging.FromContext(r.Context(), nil).Error("storage unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage is temporarily unavailable, retry later")
	default:
		logging.FromContext(r.Context(), nil).Error("unexpected error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeErrorFields(w, status, code, details, nil)
}

func writeErrorFields(w http.ResponseWriter, status int, code, details string, fields map[string]string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details, Fields: fields})
}

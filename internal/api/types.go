package api

import (
	"time"

	"github.com/google/uuid"
)

type PatientRequest struct {
	Name             string `json:"name"`
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	FiscalCode       string `json:"fiscal_code"`
	BirthDate        string `json:"birth_date,omitempty"` // YYYY-MM-DD
	Sex              string `json:"sex,omitempty"`
	Address          string `json:"address,omitempty"`
	ConsentTreatment bool   `json:"consent_treatment"`
	ConsentPrivacy   bool   `json:"consent_privacy"`
}

type CreateBookingRequest struct {
	ServiceID  string         `json:"service_id"`
	OperatorID string         `json:"operator_id"`
	LocationID string         `json:"location_id"`
	StartTime  time.Time      `json:"start_time"`
	Patient    PatientRequest `json:"patient"`

	DocumentFrontRef *string `json:"document_front_ref,omitempty"`
	DocumentBackRef  *string `json:"document_back_ref,omitempty"`
	IntakeNote       *string `json:"intake_note,omitempty"`
	PartnerName      *string `json:"partner_name,omitempty"`
	PartnerFiscal    *string `json:"partner_fiscal_code,omitempty"`
}

type BookingResponse struct {
	ID            uuid.UUID `json:"id"`
	ServiceID     uuid.UUID `json:"service_id"`
	OperatorID    uuid.UUID `json:"operator_id"`
	LocationID    uuid.UUID `json:"location_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	CheckoutURL   string    `json:"checkout_url,omitempty"`
}

type SlotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type SlotsResponse struct {
	Slots []SlotResponse `json:"slots"`
}

type ValidateFiscalCodeRequest struct {
	FiscalCode string `json:"fiscal_code"`
	BirthDate  string `json:"birth_date,omitempty"` // YYYY-MM-DD
	Sex        string `json:"sex,omitempty"`
}

type ValidateFiscalCodeResponse struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors,omitempty"`
	Coherent    *bool    `json:"coherent,omitempty"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

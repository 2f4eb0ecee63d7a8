package handlers

import (
	"net/http"

	"discount-ledger/internal/apperror"
	"discount-ledger/internal/logger"
	"discount-ledger/internal/models"
)

func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error, internalMessage string) {
	switch apperror.KindOf(err) {
	case apperror.KindNotFound:
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	case apperror.KindValidation:
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	case apperror.KindConflict, apperror.KindAlreadyRedeemed:
		writeErrorResponse(w, http.StatusConflict, err.Error())
	case apperror.KindNotEligible:
		writeErrorResponse(w, http.StatusUnprocessableEntity, err.Error())
	default:
		if log != nil {
			log.WithError(err).Error(internalMessage)
		}
		writeErrorResponse(w, http.StatusInternalServerError, internalMessage)
	}
}

// outcomeError переводит отказ ledger в типизированную ошибку.
func outcomeError(outcome models.Outcome) error {
	switch outcome {
	case models.OutcomeNotFound:
		return apperror.NotFound("gift card not found", nil)
	case models.OutcomeAlreadyRedeemed:
		return apperror.AlreadyRedeemed("gift card already redeemed", nil)
	case models.OutcomeExpired:
		return apperror.NotEligible("gift card expired", nil)
	case models.OutcomeBelowMinimum:
		return apperror.NotEligible("order amount is below the minimum for this code", nil)
	case models.OutcomeInvalidAmount:
		return apperror.Validation("order amount must be non-negative", nil)
	default:
		return nil
	}
}

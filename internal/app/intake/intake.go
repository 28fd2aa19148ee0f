// Package intake turns requested paycheck payments into batch and
// payment rows, writing the CREATED lifecycle event in the same local
// transaction as the business rows.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apexpay/payrun/internal/app/publisher"
	"github.com/apexpay/payrun/internal/domain/batch"
	domainErrors "github.com/apexpay/payrun/internal/domain/errors"
	"github.com/apexpay/payrun/internal/domain/paycheck"
)

// TransactionManager runs a function inside a database transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PaymentRequested is the inbound instruction to pay one paycheck.
type PaymentRequested struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	EmployerID  uuid.UUID `json:"employer_id"`
	PaycheckID  uuid.UUID `json:"paycheck_id"`
	PayRunID    uuid.UUID `json:"pay_run_id"`
	EmployeeID  uuid.UUID `json:"employee_id"`
	PayPeriodID uuid.UUID `json:"pay_period_id"`
	BatchID     uuid.UUID `json:"batch_id"`
	Currency    string    `json:"currency"`
	NetCents    int64     `json:"net_cents"`
}

// Service handles payment intake.
type Service struct {
	batchRepo batch.Repository
	payRepo   paycheck.Repository
	publisher *publisher.Publisher
	txManager TransactionManager
}

func New(batchRepo batch.Repository, payRepo paycheck.Repository, pub *publisher.Publisher, txManager TransactionManager) *Service {
	return &Service{
		batchRepo: batchRepo,
		payRepo:   payRepo,
		publisher: pub,
		txManager: txManager,
	}
}

// HandlePaymentRequested persists the payment and its CREATED event
// atomically. Submitting the same request twice leaves exactly one
// payment row and one CREATED event; the second call reports
// alreadyExists.
func (s *Service) HandlePaymentRequested(ctx context.Context, req PaymentRequested, now time.Time) (alreadyExists bool, err error) {
	if req.NetCents <= 0 {
		return false, domainErrors.NewDomainError("INVALID_AMOUNT",
			fmt.Sprintf("net_cents must be positive, got %d", req.NetCents), domainErrors.ErrInvalidInput)
	}
	if len(req.Currency) != 3 {
		return false, domainErrors.NewDomainError("INVALID_CURRENCY",
			fmt.Sprintf("currency must be a 3-letter ISO code, got %q", req.Currency), domainErrors.ErrInvalidInput)
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.batchRepo.Upsert(txCtx, batch.NewBatch(req.BatchID, req.EmployerID, req.PayRunID, now)); err != nil {
			return err
		}

		p := paycheck.NewPayment(req.PaymentID, req.EmployerID, req.PaycheckID, req.PayRunID,
			req.EmployeeID, req.PayPeriodID, req.BatchID, req.Currency, req.NetCents, now)
		res, err := s.payRepo.Insert(txCtx, p)
		if err != nil {
			return err
		}
		if res.AlreadyExists {
			alreadyExists = true
			return nil
		}

		if _, err := s.publisher.PaymentStatusChanged(txCtx, p, paycheck.StatusCreated, now); err != nil {
			return err
		}
		return nil
	})
	return alreadyExists, err
}

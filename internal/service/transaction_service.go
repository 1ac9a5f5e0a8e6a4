package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/noah-isme/uni-enroll-api/internal/models"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
)

type transactionLister interface {
	FindByTransactionID(ctx context.Context, transactionID string) (*models.PaymentTransaction, error)
	List(ctx context.Context, filter models.TransactionFilter) ([]models.PaymentTransaction, int, error)
}

// TransactionService exposes read access to the payment ledger for
// back-office auditing.
type TransactionService struct {
	transactions transactionLister
}

func NewTransactionService(transactions transactionLister) *TransactionService {
	return &TransactionService{transactions: transactions}
}

// List returns ledger entries matching the filter with pagination metadata.
func (s *TransactionService) List(ctx context.Context, filter models.TransactionFilter) ([]models.PaymentTransaction, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	transactions, total, err := s.transactions.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list transactions")
	}

	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	return transactions, pagination, nil
}

// Get returns a single ledger entry by operator transaction ID.
func (s *TransactionService) Get(ctx context.Context, transactionID string) (*models.PaymentTransaction, error) {
	transaction, err := s.transactions.FindByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrTransactionNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load transaction")
	}
	return transaction, nil
}

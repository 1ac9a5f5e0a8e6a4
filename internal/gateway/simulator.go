package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/uni-enroll-api/pkg/config"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
)

// Simulator emulates operator behaviour without live endpoints. Each initiated
// transaction starts PROCESSING and resolves after the configured delay with
// the configured success probability.
type Simulator struct {
	operators   map[string]config.OperatorConfig
	successRate float64
	delay       time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	attempts map[string]simulatedAttempt
	rng      *rand.Rand
}

type simulatedAttempt struct {
	operator  string
	startedAt time.Time
	outcome   string
}

// NewSimulator constructs a simulator from payment config.
func NewSimulator(cfg config.PaymentsConfig, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	rate := cfg.SimulationSuccessRate
	if rate <= 0 || rate > 1 {
		rate = 0.9
	}
	delay := cfg.SimulationDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Simulator{
		operators:   cfg.Operators,
		successRate: rate,
		delay:       delay,
		logger:      logger,
		attempts:    make(map[string]simulatedAttempt),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Initiate registers a synthetic transaction in the PROCESSING state.
func (s *Simulator) Initiate(ctx context.Context, operator, phone string, amount int64, reference string) (*InitiateResult, error) {
	if _, ok := s.operators[operator]; !ok {
		return nil, appErrors.Clone(appErrors.ErrOperatorUnavailable, fmt.Sprintf("operator %q is not configured", operator))
	}

	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	transactionID := fmt.Sprintf("SIM-%s", uuid.NewString())

	s.mu.Lock()
	outcome := "SUCCESS"
	if s.rng.Float64() > s.successRate {
		outcome = "FAILED"
	}
	s.attempts[transactionID] = simulatedAttempt{operator: operator, startedAt: time.Now(), outcome: outcome}
	s.mu.Unlock()

	raw, _ := json.Marshal(map[string]interface{}{
		"transaction_id": transactionID,
		"operator":       operator,
		"phone":          normalized,
		"amount":         amount,
		"reference":      reference,
		"status":         "PROCESSING",
		"simulated":      true,
	})

	s.logger.Debug("simulated payment initiated",
		zap.String("transaction_id", transactionID),
		zap.String("operator", operator))

	return &InitiateResult{
		TransactionID: transactionID,
		Status:        "PROCESSING",
		Message:       "payment request accepted",
		Raw:           raw,
	}, nil
}

// CheckStatus resolves the synthetic outcome once the delay has elapsed.
func (s *Simulator) CheckStatus(ctx context.Context, transactionID, operator string) (*StatusResult, error) {
	s.mu.Lock()
	attempt, ok := s.attempts[transactionID]
	s.mu.Unlock()
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrGateway, "unknown simulated transaction")
	}

	status := "PROCESSING"
	message := "payment still processing"
	if time.Since(attempt.startedAt) >= s.delay {
		status = attempt.outcome
		if status == "SUCCESS" {
			message = "payment completed"
		} else {
			message = "payment was rejected"
		}
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"transaction_id": transactionID,
		"operator":       attempt.operator,
		"status":         status,
		"simulated":      true,
	})

	return &StatusResult{Status: status, Message: message, Raw: raw}, nil
}

// Resolve forces the outcome of a simulated transaction. Test helper.
func (s *Simulator) Resolve(transactionID, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt, ok := s.attempts[transactionID]; ok {
		attempt.outcome = outcome
		attempt.startedAt = time.Now().Add(-s.delay)
		s.attempts[transactionID] = attempt
	}
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/rongwang/titleforge/internal/pricing"
)

// Service defines all the business logic operations exposed over HTTP
type Service interface {
	// Balance
	GetBalance(ctx context.Context, userID string) (*models.BalanceResponse, error)
	Deposit(ctx context.Context, userID string, req models.DepositRequest) (*models.DepositResponse, error)
	Withdraw(ctx context.Context, userID string, req models.WithdrawRequest) (*models.WithdrawResponse, error)
	GetHistory(ctx context.Context, userID string, from, to *time.Time) (*models.HistoryResponse, error)

	// Requests
	Quote(ctx context.Context, req models.QuoteRequest) (*models.QuoteResponse, error)
	SubmitRequest(ctx context.Context, userID string, req models.SubmitRequest) (*models.SubmitResponse, error)
	GetRequests(ctx context.Context, userID string, from, to *time.Time) (*models.RequestHistoryResponse, error)
	GetRequest(ctx context.Context, userID string, requestID int64) (*models.RequestResponse, error)
	GetRequestStats(ctx context.Context, userID string, days int) (*models.StatsResponse, error)
}

// DefaultService implements the Service interface
type DefaultService struct {
	ledger     *Ledger
	requests   *RequestLog
	dispatcher *Dispatcher
	pricer     pricing.Pricer
}

// NewDefaultService creates a new DefaultService
func NewDefaultService(ledger *Ledger, requests *RequestLog, dispatcher *Dispatcher, pricer pricing.Pricer) Service {
	return &DefaultService{
		ledger:     ledger,
		requests:   requests,
		dispatcher: dispatcher,
		pricer:     pricer,
	}
}

// Balance methods
func (s *DefaultService) GetBalance(ctx context.Context, userID string) (*models.BalanceResponse, error) {
	balance, err := s.ledger.BalanceOf(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &models.BalanceResponse{
		Status:  "success",
		UserID:  userID,
		Balance: balance,
	}, nil
}

func (s *DefaultService) Deposit(
	ctx context.Context,
	userID string,
	req models.DepositRequest,
) (*models.DepositResponse, error) {
	entry, err := s.ledger.Deposit(ctx, userID, req.Amount)
	if err != nil {
		return nil, err
	}

	return &models.DepositResponse{
		Status:  "success",
		EntryID: entry.ID,
		Amount:  entry.Amount,
		Balance: entry.Balance,
	}, nil
}

func (s *DefaultService) Withdraw(
	ctx context.Context,
	userID string,
	req models.WithdrawRequest,
) (*models.WithdrawResponse, error) {
	entry, err := s.ledger.Charge(ctx, userID, req.Amount)
	if err != nil {
		return nil, err
	}

	return &models.WithdrawResponse{
		Status:  "success",
		EntryID: entry.ID,
		Amount:  entry.Amount,
		Balance: entry.Balance,
	}, nil
}

func (s *DefaultService) GetHistory(
	ctx context.Context,
	userID string,
	from *time.Time,
	to *time.Time,
) (*models.HistoryResponse, error) {
	entries, err := s.ledger.History(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}

	return &models.HistoryResponse{
		Status:  "success",
		Entries: entries,
	}, nil
}

// Request methods
func (s *DefaultService) Quote(ctx context.Context, req models.QuoteRequest) (*models.QuoteResponse, error) {
	priced, err := s.pricer.New(req.Text)
	if err != nil {
		return nil, err
	}

	return &models.QuoteResponse{
		Status: "success",
		Price:  priced.Price,
		Stats:  s.pricer.Stats(priced.NormalizedText),
	}, nil
}

func (s *DefaultService) SubmitRequest(
	ctx context.Context,
	userID string,
	req models.SubmitRequest,
) (*models.SubmitResponse, error) {
	entry, err := s.dispatcher.Submit(ctx, userID, req.Text)
	if err != nil {
		return nil, err
	}

	return &models.SubmitResponse{
		Status:  "accepted",
		Request: *entry,
	}, nil
}

func (s *DefaultService) GetRequests(
	ctx context.Context,
	userID string,
	from *time.Time,
	to *time.Time,
) (*models.RequestHistoryResponse, error) {
	entries, err := s.requests.ForUser(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}

	return &models.RequestHistoryResponse{
		Status:   "success",
		Requests: entries,
	}, nil
}

func (s *DefaultService) GetRequest(
	ctx context.Context,
	userID string,
	requestID int64,
) (*models.RequestResponse, error) {
	entry, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	// Other users' requests are reported as missing
	if entry.UserID != userID {
		return nil, fmt.Errorf("%w: request %d", models.ErrNotFound, requestID)
	}

	return &models.RequestResponse{
		Status:  "success",
		Request: *entry,
	}, nil
}

func (s *DefaultService) GetRequestStats(ctx context.Context, userID string, days int) (*models.StatsResponse, error) {
	if days <= 0 {
		days = DefaultStatsDays
	}

	stats, err := s.requests.Stats(ctx, userID, days)
	if err != nil {
		return nil, err
	}

	return &models.StatsResponse{
		Status: "success",
		Days:   days,
		Stats:  *stats,
	}, nil
}

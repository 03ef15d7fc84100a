package models

import "github.com/shopspring/decimal"

// Request models
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type WithdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type SubmitRequest struct {
	Text string `json:"text"`
}

type QuoteRequest struct {
	Text string `json:"text"`
}

// Response models
type BalanceResponse struct {
	Status  string          `json:"status"`
	UserID  string          `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

type DepositResponse struct {
	Status  string          `json:"status"`
	EntryID int64           `json:"entryId"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
}

// WithdrawResponse carries the debit entry; Amount is negative.
type WithdrawResponse struct {
	Status  string          `json:"status"`
	EntryID int64           `json:"entryId"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
}

type HistoryResponse struct {
	Status  string        `json:"status"`
	Entries []LedgerEntry `json:"entries"`
}

type QuoteResponse struct {
	Status string          `json:"status"`
	Price  decimal.Decimal `json:"price"`
	Stats  TextStats       `json:"stats"`
}

// TextStats describes the measurements a price was derived from.
type TextStats struct {
	TotalChars      int             `json:"totalChars"`
	NonSpaceChars   int             `json:"nonSpaceChars"`
	WordCount       int             `json:"wordCount"`
	SentenceCount   int             `json:"sentenceCount"`
	ComplexityScore float64         `json:"complexityScore"`
	Price           decimal.Decimal `json:"price"`
}

type SubmitResponse struct {
	Status  string          `json:"status"`
	Request RequestLogEntry `json:"request"`
}

type RequestHistoryResponse struct {
	Status   string            `json:"status"`
	Requests []RequestLogEntry `json:"requests"`
}

type RequestResponse struct {
	Status  string          `json:"status"`
	Request RequestLogEntry `json:"request"`
}

type StatsResponse struct {
	Status string       `json:"status"`
	Days   int          `json:"days"`
	Stats  RequestStats `json:"stats"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

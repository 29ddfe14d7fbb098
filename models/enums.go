package models

import "fmt"

type CenterType string

const (
	CenterTypeHeadOffice CenterType = "HQ"
	CenterTypeWash       CenterType = "WASH"
	CenterTypeDelivery   CenterType = "DELIVERY"
)

type InstitutionType string

const (
	InstitutionTypeKindergarten        InstitutionType = "KINDERGARTEN"
	InstitutionTypeDaycare             InstitutionType = "DAYCARE"
	InstitutionTypeEnglishKindergarten InstitutionType = "ENGLISH_KINDERGARTEN"
	InstitutionTypeOther               InstitutionType = "OTHER"
)

type PayerStatus string

const (
	PayerStatusPending   PayerStatus = "PENDING"
	PayerStatusActive    PayerStatus = "ACTIVE"
	PayerStatusPaused    PayerStatus = "PAUSED"
	PayerStatusCancelled PayerStatus = "CANCELLED"
)

func (s PayerStatus) Valid() bool {
	switch s {
	case PayerStatusPending, PayerStatusActive, PayerStatusPaused, PayerStatusCancelled:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TransactionStatusScheduled TransactionStatus = "SCHEDULED"
	TransactionStatusSuccess   TransactionStatus = "SUCCESS"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
	TransactionStatusRefunded  TransactionStatus = "REFUNDED"
)

// IsTerminal reports whether no further processor submission may happen from
// this status. REFUNDED is terminal too; SUCCESS still allows a refund move.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusCancelled, TransactionStatusRefunded:
		return true
	}
	return false
}

type UnpaidStatus string

const (
	UnpaidStatusUnpaid   UnpaidStatus = "UNPAID"
	UnpaidStatusPartial  UnpaidStatus = "PARTIAL"
	UnpaidStatusPaid     UnpaidStatus = "PAID"
	UnpaidStatusExempted UnpaidStatus = "EXEMPTED"
)

type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "PENDING"
	SettlementStatusProcessing SettlementStatus = "PROCESSING"
	SettlementStatusCompleted  SettlementStatus = "COMPLETED"
	SettlementStatusAdjusted   SettlementStatus = "ADJUSTED"
)

type BillingEventType string

const (
	BillingEventPaymentSuccess      BillingEventType = "payment.success"
	BillingEventPaymentFailed       BillingEventType = "payment.failed"
	BillingEventPaymentRefunded     BillingEventType = "payment.refunded"
	BillingEventUnpaidCreated       BillingEventType = "unpaid.created"
	BillingEventUnpaidPaid          BillingEventType = "unpaid.paid"
	BillingEventUnpaidExempted      BillingEventType = "unpaid.exempted"
	BillingEventSettlementCompleted BillingEventType = "settlement.completed"
	BillingEventSettlementAdjusted  BillingEventType = "settlement.adjusted"
)

type OutboxPublishStatus = string

const (
	OutboxPublishStatusPending    OutboxPublishStatus = "PENDING"
	OutboxPublishStatusProcessing OutboxPublishStatus = "PROCESSING"
	OutboxPublishStatusPublished  OutboxPublishStatus = "PUBLISHED"
	OutboxPublishStatusFailed     OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead       OutboxPublishStatus = "DEAD"
)

func ParsePayerStatus(s string) (PayerStatus, error) {
	v := PayerStatus(s)
	if !v.Valid() {
		return "", fmt.Errorf("invalid payer status %q", s)
	}
	return v, nil
}

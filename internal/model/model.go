// Package model содержит доменные сущности сервиса бонусных баллов кампуса.
package model

import (
	"fmt"
	"strings"
	"time"
)

// AccountStatus описывает статус учётной записи пользователя.
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusInactive  AccountStatus = "inactive"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusDeleted   AccountStatus = "deleted"
)

// User представляет профиль студента с встроенными полями баланса.
// Баланс изменяется только как побочный эффект создания транзакции.
type User struct {
	ID              int64
	FullName        string
	Hostel          string
	Batch           string
	AccountStatus   AccountStatus
	RewardPoints    int64
	ReputationScore int64
	CreatedAt       time.Time
}

// Balance содержит текущий баланс баллов и репутацию пользователя.
type Balance struct {
	Points     int64 `json:"points"`
	Reputation int64 `json:"reputation"`
}

// ReferenceType описывает тип события, породившего транзакцию.
type ReferenceType string

const (
	ReferenceFoodDelivery ReferenceType = "food_delivery"
	ReferenceLostFound    ReferenceType = "lost_found"
	ReferenceActivity     ReferenceType = "activity"
	ReferenceManual       ReferenceType = "manual"
	ReferenceOther        ReferenceType = "other"
)

// Valid сообщает, известен ли тип ссылки.
func (rt ReferenceType) Valid() bool {
	switch rt {
	case ReferenceFoodDelivery, ReferenceLostFound, ReferenceActivity, ReferenceManual, ReferenceOther:
		return true
	}
	return false
}

// ParseReferenceType разбирает строковое представление типа ссылки.
func ParseReferenceType(s string) (ReferenceType, error) {
	rt := ReferenceType(strings.ToLower(strings.TrimSpace(s)))
	if !rt.Valid() {
		return "", fmt.Errorf("unknown reference type %q", s)
	}
	return rt, nil
}

// Reference — типизированная ссылка на исходное событие транзакции.
// Тег обязателен, идентификатор события может отсутствовать (ручные начисления).
type Reference struct {
	Type ReferenceType
	ID   *int64
}

// ManualReference создаёт ссылку типа manual на указанный идентификатор.
func ManualReference(id int64) Reference {
	return Reference{Type: ReferenceManual, ID: &id}
}

// Transaction — неизменяемая запись журнала об изменении баланса.
// Положительные баллы — начисление, отрицательные — списание при погашении.
type Transaction struct {
	ID        int64
	UserID    int64
	Points    int64
	Reason    string
	Reference Reference
	CreatedAt time.Time
}

// ReputationGain возвращает прирост репутации для дельты баллов.
// Репутацию повышают только начисления, списания её не затрагивают.
func ReputationGain(points int64) int64 {
	if points <= 0 {
		return 0
	}
	return points / 2
}

// RedemptionStatus описывает состояние заявки на погашение баллов.
type RedemptionStatus string

const (
	RedemptionStatusPending  RedemptionStatus = "pending"
	RedemptionStatusApproved RedemptionStatus = "approved"
	RedemptionStatusRedeemed RedemptionStatus = "redeemed"
	RedemptionStatusRejected RedemptionStatus = "rejected"
)

// ParseRedemptionStatus разбирает строковое представление статуса погашения.
func ParseRedemptionStatus(s string) (RedemptionStatus, error) {
	st := RedemptionStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case RedemptionStatusPending, RedemptionStatusApproved, RedemptionStatusRedeemed, RedemptionStatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown redemption status %q", s)
}

// IsTerminal сообщает, является ли состояние конечным.
func (s RedemptionStatus) IsTerminal() bool {
	return s == RedemptionStatusRedeemed || s == RedemptionStatusRejected
}

// CanTransitionTo проверяет допустимость перехода в целевое состояние.
// Граф: pending -> approved -> redeemed, отклонение возможно из pending и approved.
func (s RedemptionStatus) CanTransitionTo(target RedemptionStatus) bool {
	switch s {
	case RedemptionStatusPending:
		return target == RedemptionStatusApproved || target == RedemptionStatusRejected
	case RedemptionStatusApproved:
		return target == RedemptionStatusRedeemed || target == RedemptionStatusRejected
	}
	return false
}

// Redemption — заявка на обмен баллов на вознаграждение в точке питания.
// Списание баллов происходит в момент создания заявки; после перехода
// в конечное состояние заявка неизменяема.
type Redemption struct {
	ID         int64
	UserID     int64
	StallID    int64
	PointsUsed int64
	Status     RedemptionStatus
	RedeemedAt time.Time
}

// Stall — точка питания, в которой можно погасить баллы.
type Stall struct {
	ID       int64
	Name     string
	Location string
	IsActive bool
}

// PendingAward — отложенное начисление в очереди повторных попыток.
type PendingAward struct {
	ID        int64
	UserID    int64
	Points    int64
	Reason    string
	Reference Reference
	Attempts  int
	CreatedAt time.Time
}

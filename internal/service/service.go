// Package service реализует бизнес-логику сервиса бонусных баллов.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/campus-rewards-system/internal/model"
	"github.com/mmeshcher/campus-rewards-system/internal/repository"
)

// ErrInvalidAmount возвращается для нулевой или неверной по знаку дельты баллов.
var (
	ErrInvalidAmount = errors.New("invalid points amount")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса заявки.
	ErrInvalidTransition = errors.New("invalid redemption status transition")
)

const (
	defaultHistoryLimit     = 100
	defaultBoardLimit       = 10
	awardRetryInterval      = 5 * time.Second
	awardRetryBatchLimit    = 100
	leaderboardByReputation = "reputation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetBalance(ctx context.Context, userID int64) (int64, int64, error)
	AppendTransaction(ctx context.Context, userID, points int64, reason string, ref model.Reference) (*model.Transaction, error)
	ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error)
	SumPositiveTransactions(ctx context.Context, userID int64) (int64, error)
	Leaderboard(ctx context.Context, byReputation bool, limit int) ([]model.User, error)
	CreateRedemption(ctx context.Context, userID, stallID, points int64) (*model.Redemption, int64, error)
	GetRedemption(ctx context.Context, id int64) (*model.Redemption, error)
	UpdateRedemptionStatus(ctx context.Context, id int64, from, to model.RedemptionStatus) error
	ListRedemptionsByUser(ctx context.Context, userID int64) ([]model.Redemption, error)
	ListRedemptionsByStatus(ctx context.Context, status model.RedemptionStatus) ([]model.Redemption, error)
	ListActiveStalls(ctx context.Context) ([]model.Stall, error)
	EnqueueAward(ctx context.Context, userID, points int64, reason string, ref model.Reference) error
	DequeueAwards(ctx context.Context, limit int) ([]model.PendingAward, error)
	MarkAwardDone(ctx context.Context, id int64) error
	MarkAwardFailed(ctx context.Context, id int64) error
}

// Service содержит бизнес-логику реестра бонусных баллов.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ApplyDelta — единственная точка изменения баланса. Проверяет дельту,
// делегирует атомарную запись репозиторию и возвращает созданную транзакцию.
// Достаточность баллов для списания решает условное обновление в хранилище.
func (s *Service) ApplyDelta(ctx context.Context, userID, points int64, reason string, ref model.Reference) (*model.Transaction, error) {
	if points == 0 {
		return nil, fmt.Errorf("%w: delta must not be zero", ErrInvalidAmount)
	}
	return s.repo.AppendTransaction(ctx, userID, points, reason, ref)
}

// Award начисляет баллы за событие из смежной подсистемы.
// Допускает только положительные суммы.
func (s *Service) Award(ctx context.Context, userID, points int64, reason string, ref model.Reference) (*model.Transaction, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: award must be positive, got %d", ErrInvalidAmount, points)
	}
	return s.ApplyDelta(ctx, userID, points, reason, ref)
}

// RequestRedemption создаёт заявку на погашение и сразу списывает баллы
// дебетовой транзакцией, ссылающейся на заявку. Возвращает заявку и
// остаток баланса после списания.
func (s *Service) RequestRedemption(ctx context.Context, userID, stallID, points int64) (*model.Redemption, int64, error) {
	if points <= 0 {
		return nil, 0, fmt.Errorf("%w: redemption must spend a positive amount, got %d", ErrInvalidAmount, points)
	}
	return s.repo.CreateRedemption(ctx, userID, stallID, points)
}

// TransitionRedemption переводит заявку в целевое состояние по графу
// pending -> approved -> redeemed с отклонением из pending и approved.
// Баллы при переходах не возвращаются: списание произошло при создании заявки.
func (s *Service) TransitionRedemption(ctx context.Context, id int64, target model.RedemptionStatus) (*model.Redemption, error) {
	red, err := s.repo.GetRedemption(ctx, id)
	if err != nil {
		return nil, err
	}

	if !red.Status.CanTransitionTo(target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, red.Status, target)
	}

	if err := s.repo.UpdateRedemptionStatus(ctx, id, red.Status, target); err != nil {
		// Проигрыш гонки: если из нового состояния переход тоже недопустим,
		// сообщаем именно об этом, а не о конфликте.
		if errors.Is(err, repository.ErrConflict) {
			current, rerr := s.repo.GetRedemption(ctx, id)
			if rerr == nil && !current.Status.CanTransitionTo(target) {
				return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, target)
			}
		}
		return nil, err
	}

	red.Status = target
	return red, nil
}

// GetRedemption возвращает заявку на погашение по идентификатору.
func (s *Service) GetRedemption(ctx context.Context, id int64) (*model.Redemption, error) {
	return s.repo.GetRedemption(ctx, id)
}

// ListRedemptionsByUser возвращает заявки пользователя.
func (s *Service) ListRedemptionsByUser(ctx context.Context, userID int64) ([]model.Redemption, error) {
	return s.repo.ListRedemptionsByUser(ctx, userID)
}

// GetBalance возвращает баланс пользователя в виде структуры model.Balance.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	points, reputation, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Points:     points,
		Reputation: reputation,
	}, nil
}

// TransactionHistory возвращает страницу журнала транзакций пользователя
// вместе с суммой всех начислений за всё время.
func (s *Service) TransactionHistory(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, int64, error) {
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	transactions, err := s.repo.ListTransactions(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	totalEarned, err := s.repo.SumPositiveTransactions(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	return transactions, totalEarned, nil
}

// Leaderboard возвращает активных пользователей с наибольшим количеством
// баллов либо, при sortBy == "reputation", наибольшей репутацией.
func (s *Service) Leaderboard(ctx context.Context, sortBy string, limit int) ([]model.User, error) {
	if limit <= 0 {
		limit = defaultBoardLimit
	}
	return s.repo.Leaderboard(ctx, sortBy == leaderboardByReputation, limit)
}

// ListActiveStalls возвращает активные точки питания.
func (s *Service) ListActiveStalls(ctx context.Context) ([]model.Stall, error) {
	return s.repo.ListActiveStalls(ctx)
}

// EnqueueAward кладёт начисление в долговременную очередь повторных попыток.
// Используется вызывающими подсистемами, чьё внешнее событие уже зафиксировано:
// потерять такое начисление молча нельзя.
func (s *Service) EnqueueAward(ctx context.Context, userID, points int64, reason string, ref model.Reference) error {
	if points <= 0 {
		return fmt.Errorf("%w: award must be positive, got %d", ErrInvalidAmount, points)
	}
	return s.repo.EnqueueAward(ctx, userID, points, reason, ref)
}

// StartAwardRetries запускает фоновый процесс, проводящий отложенные
// начисления из очереди через общий механизм Award.
func (s *Service) StartAwardRetries(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(awardRetryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processAwardBatch(ctx)
			}
		}
	}()
}

func (s *Service) processAwardBatch(ctx context.Context) {
	pending, err := s.repo.DequeueAwards(ctx, awardRetryBatchLimit)
	if err != nil {
		s.logger.Error("dequeue pending awards", zap.Error(err))
		return
	}

	for _, a := range pending {
		if _, err := s.Award(ctx, a.UserID, a.Points, a.Reason, a.Reference); err != nil {
			s.logger.Warn("award reconciliation pending: event committed but points not credited",
				zap.Error(err),
				zap.Int64("queueID", a.ID),
				zap.Int64("userID", a.UserID),
				zap.Int64("points", a.Points),
				zap.Int("attempts", a.Attempts+1),
			)
			if err := s.repo.MarkAwardFailed(ctx, a.ID); err != nil {
				s.logger.Error("mark pending award failed", zap.Error(err), zap.Int64("queueID", a.ID))
			}
			continue
		}

		if err := s.repo.MarkAwardDone(ctx, a.ID); err != nil {
			s.logger.Error("mark pending award done", zap.Error(err), zap.Int64("queueID", a.ID))
		}
	}
}

// Package wallet connects gateway wallets to marketplace users and reads
// their spendable balance.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/murphlabs/murph/internal/apierror"
	"github.com/murphlabs/murph/internal/catalog"
	"github.com/murphlabs/murph/internal/logging"
	"github.com/murphlabs/murph/internal/paygate"
	"github.com/murphlabs/murph/internal/validation"
)

// Directory resolves users and records their connected wallet.
type Directory interface {
	GetUser(ctx context.Context, id string) (*catalog.User, error)
	AssignWallet(ctx context.Context, userID, address string) error
}

// Info is a user's wallet as reported to clients.
type Info struct {
	UserID        string  `json:"user_id"`
	WalletAddress string  `json:"wallet_address"`
	Balance       float64 `json:"balance"`
}

// Service connects wallets and reads balances.
type Service struct {
	directory Directory
	gateway   paygate.Gateway
	logger    *slog.Logger
}

// NewService creates a new wallet service.
func NewService(directory Directory, gateway paygate.Gateway) *Service {
	return &Service{directory: directory, gateway: gateway, logger: slog.Default()}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Connect provisions a gateway wallet for the user and records it. A user
// who already has a wallet gets that wallet back; issuing a second address
// would strand funds locked by open sessions.
func (s *Service) Connect(ctx context.Context, userID string) (*Info, error) {
	u, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.HasWallet() {
		return s.balance(ctx, u)
	}

	w, err := s.gateway.ConnectWallet(ctx, u.ID)
	if err != nil {
		return nil, paygate.Classify(paygate.OpConnectWallet, err)
	}
	if err := s.directory.AssignWallet(ctx, u.ID, w.Address); err != nil {
		if errors.Is(err, catalog.ErrUserNotFound) {
			return nil, apierror.NotFound(apierror.CodeUserNotFound, "user not found").Wrap(err)
		}
		return nil, apierror.Internal("failed to save wallet", fmt.Errorf("assign wallet %s: %w", u.ID, err))
	}

	logging.L(ctx).Info("wallet connected", "user_id", u.ID, "wallet", w.Address)
	return &Info{UserID: u.ID, WalletAddress: w.Address, Balance: w.Balance}, nil
}

// Balance returns the available balance of the user's connected wallet.
func (s *Service) Balance(ctx context.Context, userID string) (*Info, error) {
	u, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.HasWallet() {
		return nil, apierror.Precondition(apierror.CodeWalletNotConnected, "wallet not connected")
	}
	return s.balance(ctx, u)
}

func (s *Service) balance(ctx context.Context, u *catalog.User) (*Info, error) {
	bal, err := s.gateway.GetBalance(ctx, u.WalletAddress)
	if err != nil {
		return nil, paygate.Classify(paygate.OpGetBalance, err)
	}
	return &Info{UserID: u.ID, WalletAddress: u.WalletAddress, Balance: bal}, nil
}

func (s *Service) user(ctx context.Context, userID string) (*catalog.User, error) {
	if errs := validation.Validate(
		validation.Required("user_id", userID),
		validation.ValidID("user_id", userID),
	); len(errs) > 0 {
		return nil, apierror.Validation(errs.Error())
	}
	u, err := s.directory.GetUser(ctx, userID)
	if errors.Is(err, catalog.ErrUserNotFound) {
		return nil, apierror.NotFound(apierror.CodeUserNotFound, "user not found").Wrap(err)
	}
	if err != nil {
		s.logger.Error("user lookup failed", "user_id", userID, "error", err)
		return nil, apierror.Internal("failed to load user", fmt.Errorf("get user %s: %w", userID, err))
	}
	return u, nil
}

package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murphlabs/murph/internal/apierror"
	"github.com/murphlabs/murph/internal/catalog"
	"github.com/murphlabs/murph/internal/logging"
	"github.com/murphlabs/murph/internal/paygate"
)

func newTestService(t *testing.T) (*Service, *catalog.MemoryStore, *paygate.Simulator) {
	t.Helper()
	dir := catalog.NewMemoryStore()
	catalog.SeedDemo(dir)
	gw := paygate.NewSimulator(paygate.WithStartingBalance(2500), paygate.WithSimulatorLogger(logging.Discard()))
	return NewService(dir, gw).WithLogger(logging.Discard()), dir, gw
}

func TestConnect_AssignsWallet(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	info, err := svc.Connect(ctx, "student_1")
	require.NoError(t, err)
	assert.Equal(t, "student_1", info.UserID)
	assert.NotEmpty(t, info.WalletAddress)
	assert.Equal(t, 2500.0, info.Balance)

	u, err := dir.GetUser(ctx, "student_1")
	require.NoError(t, err)
	assert.Equal(t, info.WalletAddress, u.WalletAddress)
}

func TestConnect_ReturnsExistingWallet(t *testing.T) {
	svc, _, gw := newTestService(t)
	ctx := context.Background()

	first, err := svc.Connect(ctx, "student_1")
	require.NoError(t, err)
	second, err := svc.Connect(ctx, "student_1")
	require.NoError(t, err)

	assert.Equal(t, first.WalletAddress, second.WalletAddress)
	assert.Equal(t, 1, gw.Calls(paygate.OpConnectWallet))
}

func TestConnect_Errors(t *testing.T) {
	svc, _, gw := newTestService(t)
	ctx := context.Background()

	_, err := svc.Connect(ctx, "nobody")
	assert.Equal(t, apierror.CodeUserNotFound, apierror.CodeOf(err))

	_, err = svc.Connect(ctx, "")
	assert.Equal(t, apierror.KindValidation, apierror.KindOf(err))

	gw.FailNext(paygate.OpConnectWallet, paygate.ErrUnavailable, 1)
	_, err = svc.Connect(ctx, "student_1")
	assert.Equal(t, apierror.KindTransient, apierror.KindOf(err))
}

type failingAssign struct {
	*catalog.MemoryStore
}

func (failingAssign) AssignWallet(ctx context.Context, userID, address string) error {
	return errors.New("connection refused")
}

func TestConnect_AssignFailureIsInternal(t *testing.T) {
	dir := catalog.NewMemoryStore()
	catalog.SeedDemo(dir)
	gw := paygate.NewSimulator(paygate.WithSimulatorLogger(logging.Discard()))
	svc := NewService(failingAssign{dir}, gw).WithLogger(logging.Discard())

	_, err := svc.Connect(context.Background(), "student_1")
	assert.Equal(t, apierror.KindInternal, apierror.KindOf(err))
}

func TestBalance(t *testing.T) {
	svc, dir, gw := newTestService(t)
	ctx := context.Background()

	_, err := svc.Balance(ctx, "student_1")
	assert.Equal(t, apierror.CodeWalletNotConnected, apierror.CodeOf(err))
	assert.Equal(t, apierror.KindPrecondition, apierror.KindOf(err))

	require.NoError(t, dir.AssignWallet(ctx, "student_1", "0xabc"))
	gw.Fund("0xabc", 40)

	info, err := svc.Balance(ctx, "student_1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", info.WalletAddress)
	assert.Equal(t, 40.0, info.Balance)

	_, err = svc.Balance(ctx, "ghost")
	assert.Equal(t, apierror.CodeUserNotFound, apierror.CodeOf(err))
}

package emergency

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	walletA = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	walletB = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
)

func TestSlotClaimAndRelease(t *testing.T) {
	slot := NewSlot()
	assert.Nil(t, slot.Current())
	assert.False(t, slot.Status().Active)

	ticket, superseded := slot.Claim(walletA)
	assert.Nil(t, superseded)
	assert.True(t, ticket.Active())
	assert.Equal(t, walletA, ticket.Wallet())
	assert.True(t, slot.Holds(walletA))

	status := slot.Status()
	assert.True(t, status.Active)
	require.NotNil(t, status.Wallet)
	assert.Equal(t, walletA, *status.Wallet)

	assert.True(t, slot.Release(ticket))
	assert.False(t, ticket.Active())
	assert.Nil(t, slot.Current())
	assert.False(t, slot.Release(ticket))
}

func TestSlotSupersede(t *testing.T) {
	slot := NewSlot()
	first, _ := slot.Claim(walletA)
	second, superseded := slot.Claim(walletB)

	require.NotNil(t, superseded)
	assert.Equal(t, walletA, superseded.Wallet())
	assert.False(t, first.Active())
	assert.True(t, second.Active())
	assert.True(t, slot.Holds(walletB))
	assert.False(t, slot.Holds(walletA))

	// the superseded loop releasing late must not free the new holder
	assert.False(t, slot.Release(first))
	assert.True(t, second.Active())
	assert.Equal(t, walletB, slot.Current().Wallet())
}

func TestSlotCancel(t *testing.T) {
	slot := NewSlot()
	assert.Nil(t, slot.Cancel())

	ticket, _ := slot.Claim(walletA)
	canceled := slot.Cancel()
	require.NotNil(t, canceled)
	assert.Equal(t, walletA, canceled.Wallet())
	assert.False(t, ticket.Active())
	assert.Nil(t, slot.Current())
}

func TestSlotSingleHolderUnderContention(t *testing.T) {
	slot := NewSlot()
	tickets := make([]*Ticket, 50)

	var wg sync.WaitGroup
	for i := range tickets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wallet := walletA
			if i%2 == 1 {
				wallet = walletB
			}
			tickets[i], _ = slot.Claim(wallet)
		}(i)
	}
	wg.Wait()

	active := 0
	for _, ticket := range tickets {
		if ticket.Active() {
			active++
		}
	}
	assert.Equal(t, 1, active)
	assert.True(t, slot.Current().Active())
}

func TestNilTicketInactive(t *testing.T) {
	var ticket *Ticket
	assert.False(t, ticket.Active())
}

package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectEmptyURL(t *testing.T) {
	p, err := Connect("", logrus.New())
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher

	// Must not panic.
	p.Publish(context.Background(), EventSchemeRegistered, SchemeEvent{
		SchemeID:   1,
		Name:       "Rural Roads",
		TotalFunds: "1000",
		OnLedger:   true,
		Timestamp:  time.Now(),
	})
	p.Close()
}

func TestPublisherWithoutConnectionIsSafe(t *testing.T) {
	p := &Publisher{log: logrus.New()}
	p.Publish(context.Background(), EventSettlementRecorded, SettlementEvent{SettlementID: "0xabc"})
	p.Close()
}

package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQuoteCmd(args ...string) (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{Use: "quote", RunE: runQuote}
	cmd.Flags().Uint64("reserves", 0, "")
	cmd.Flags().Uint64("value", 0, "")
	cmd.Flags().String("flat", "", "")
	cmd.Flags().String("max-fee", "", "")
	cmd.Flags().String("min-fee", "", "")
	cmd.Flags().Uint64("threshold", 0, "")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	return cmd, &out
}

func TestQuote_Flat(t *testing.T) {
	cmd, out := newQuoteCmd("--reserves=1000000", "--value=100000", "--flat=0.003")
	require.NoError(t, cmd.Execute())

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 300.0, got["fee_lamports"])
	assert.Equal(t, 99_700.0, got["payout"])
	assert.Equal(t, "3/1000", got["fee_ratio"])
}

func TestQuote_LiquidityLinear(t *testing.T) {
	// 900,000 remain after payout: 0.01 - 0.007 * 0.9 = 0.0037.
	cmd, out := newQuoteCmd("--reserves=1000000", "--value=100000", "--max-fee=0.01", "--min-fee=0.003", "--threshold=1000000")
	require.NoError(t, cmd.Execute())

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 370.0, got["fee_lamports"])
}

func TestQuote_Errors(t *testing.T) {
	cmd, _ := newQuoteCmd("--reserves=10", "--value=100", "--flat=0.003")
	assert.Error(t, cmd.Execute())

	cmd, _ = newQuoteCmd("--reserves=10", "--value=1")
	assert.Error(t, cmd.Execute())

	cmd, _ = newQuoteCmd("--reserves=10", "--value=1", "--flat=2")
	assert.Error(t, cmd.Execute())
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug")
	assert.NoError(t, err)
	_, err = newLogger("loud")
	assert.Error(t, err)
}

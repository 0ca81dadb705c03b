package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
	"github.com/warp/fleet-ledger/store/sqlite"
)

// seedDB creates a database holding one car opened at balance and returns
// its path.
func seedDB(t *testing.T, balance string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.db")
	st, err := sqlite.New(path)
	require.NoError(t, err)
	defer st.Close()

	_, err = fleet.New(st).RegisterCar(context.Background(), fleet.CarInput{
		Name:           "Route 7",
		Plate:          "KBA 123",
		OpeningBalance: generic.MustParseDecimal(balance),
	})
	require.NoError(t, err)
	return path
}

// runCLI executes fleetctl with args against db and returns stdout.
func runCLI(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("REDIS_ADDR", "")
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--db", db, "--env", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCloseMonthThenReopen(t *testing.T) {
	// GIVEN: A database with one car at balance 250
	// WHEN: close-month runs, then reopen with the returned closing id
	// THEN: The closing reports profit 250 and is marked reopened

	db := seedDB(t, "250")

	out, err := runCLI(t, db, "close-month")
	require.NoError(t, err)
	var mc fleet.MonthlyClosing
	require.NoError(t, json.Unmarshal([]byte(out), &mc))
	assert.True(t, mc.Profit.Equal(generic.MustParseDecimal("250")), "profit %s", mc.Profit)
	assert.Equal(t, 1, mc.CarCount)
	assert.Equal(t, fleet.StatusClosed, mc.Status)

	out, err = runCLI(t, db, "reopen", mc.ID.String())
	require.NoError(t, err)
	var reopened fleet.MonthlyClosing
	require.NoError(t, json.Unmarshal([]byte(out), &reopened))
	assert.Equal(t, mc.ID, reopened.ID)
	assert.Equal(t, fleet.StatusReopened, reopened.Status)

	out, err = runCLI(t, db, "dashboard")
	require.NoError(t, err)
	var dash fleet.Dashboard
	require.NoError(t, json.Unmarshal([]byte(out), &dash))
	assert.Equal(t, 1, dash.TotalCars)
	assert.True(t, dash.TotalProfit.IsZero(), "closing zeroed the car, got %s", dash.TotalProfit)
}

func TestReopen_RejectsBadID(t *testing.T) {
	db := seedDB(t, "0")

	_, err := runCLI(t, db, "reopen", "not-an-id")
	assert.True(t, generic.IsClientError(err), "got %v", err)

	_, err = runCLI(t, db, "reopen", generic.NewID().String())
	assert.True(t, generic.IsNotFound(err), "got %v", err)
}

package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/config"
	"github.com/timmy/tabport/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

func TestBootstrapSources(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{})
	disabled := false
	specs := []config.SourceSpec{
		{
			Name: "inbox", ProjectID: 1, Kind: "local", Directories: []string{"/data/inbox"},
			PollIntervalSeconds: 60,
			Template:            &config.TemplateSpec{RequiredColumns: []string{"partner"}},
		},
		{Name: "laptops", ProjectID: 1, Kind: "agent_push", AgentSecret: "raw-secret-abcd", Enabled: &disabled},
	}

	stored, err := BootstrapSources(ctx, h.sources, specs)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	inbox, err := h.sources.GetByID(ctx, stored[0].ID)
	require.NoError(t, err)
	assert.True(t, inbox.Enabled)
	assert.Equal(t, []string{"partner"}, inbox.Rule().RequiredColumns)

	laptops, err := h.sources.GetByID(ctx, stored[1].ID)
	require.NoError(t, err)
	assert.False(t, laptops.Enabled)
	assert.Equal(t, "****abcd", laptops.AgentSecretHint)
	assert.NotContains(t, laptops.AgentSecretHash, "raw-secret")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(laptops.AgentSecretHash), []byte("raw-secret-abcd")))

	// Loading the file again updates in place.
	specs[0].PollIntervalSeconds = 120
	again, err := BootstrapSources(ctx, h.sources, specs)
	require.NoError(t, err)
	assert.Equal(t, stored[0].ID, again[0].ID)
	var count int64
	require.NoError(t, h.db.Model(&domain.IngestionSource{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestBootstrapSourcesRejectsInvalidKind(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	_, err := BootstrapSources(context.Background(), h.sources, []config.SourceSpec{
		{Name: "bad", ProjectID: 1, Kind: "local"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
}

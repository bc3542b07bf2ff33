package provider

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genai-gateway/internal/models"
)

type stubGenerator struct{}

func (stubGenerator) GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	return models.NewTextResponse("id", req.Model, "ok", models.FinishReasonStop, models.UsageMetadata{}), nil
}

func (stubGenerator) GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) iter.Seq2[*models.GenerateContentResponse, error] {
	return SingleError(errors.New("not streaming"))
}

func (stubGenerator) CountTokens(ctx context.Context, req *models.CountTokensRequest) (*models.CountTokensResponse, error) {
	return &models.CountTokensResponse{TotalTokens: 1}, nil
}

func (stubGenerator) EmbedContent(ctx context.Context, req *models.EmbedContentRequest) (*models.EmbedContentResponse, error) {
	return nil, &UnsupportedCapabilityError{Provider: "stub", Capability: "embedContent"}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	p := NewNamed("doubao", []models.Model{{ID: "seed", Provider: "doubao"}}, stubGenerator{})

	require.NoError(t, reg.RegisterProvider(context.Background(), p, map[string]string{"default": "seed"}))

	model, got, err := reg.LookupModel("default")
	require.NoError(t, err)
	assert.Equal(t, "seed", model.ID)
	assert.Equal(t, "doubao", got.Name())

	_, _, err = reg.LookupModel("missing")
	require.ErrorIs(t, err, ErrUnknownModel)

	assert.Equal(t, []models.Model{{ID: "seed", Provider: "doubao"}}, reg.Models())
}

func TestRegistryRejectsConflicts(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterProvider(ctx, NewNamed("a", []models.Model{{ID: "m1"}}, stubGenerator{}), nil))

	err := reg.RegisterProvider(ctx, NewNamed("a", []models.Model{{ID: "m2"}}, stubGenerator{}), nil)
	require.Error(t, err)

	err = reg.RegisterProvider(ctx, NewNamed("b", []models.Model{{ID: "m1"}}, stubGenerator{}), nil)
	require.ErrorIs(t, err, ErrDuplicateModel)

	err = reg.RegisterProvider(ctx, NewNamed("c", []models.Model{{ID: "m3"}}, stubGenerator{}), map[string]string{"x": "nope"})
	require.Error(t, err)

	// A rejected registration leaves no partial state behind.
	_, _, err = reg.LookupModel("m3")
	require.ErrorIs(t, err, ErrUnknownModel)

	require.Error(t, reg.RegisterProvider(ctx, nil, nil))
}

func TestUnsupportedCapabilityMatchesSentinel(t *testing.T) {
	_, err := stubGenerator{}.EmbedContent(context.Background(), &models.EmbedContentRequest{})
	require.ErrorIs(t, err, ErrUnsupportedOperation)

	var unsupported *UnsupportedCapabilityError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "embedContent", unsupported.Capability)
}

func TestBackendErrorMessageIncludesStatus(t *testing.T) {
	err := &BackendError{Provider: "doubao", StatusCode: 500, Body: "Internal Server Error\n"}
	assert.Equal(t, "doubao: backend returned status 500: Internal Server Error", err.Error())
}

func TestSingleError(t *testing.T) {
	boom := errors.New("boom")
	var seen []error
	for resp, err := range SingleError(boom) {
		assert.Nil(t, resp)
		seen = append(seen, err)
	}
	assert.Equal(t, []error{boom}, seen)
}

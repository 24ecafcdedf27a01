package shortener

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/joshdurbin/linkbottle/internal/domain"
)

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) CodeTaken(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

type scriptedGenerator struct {
	codes []string
	next  int
}

func (g *scriptedGenerator) GenerateShortCode() (string, error) {
	code := g.codes[g.next%len(g.codes)]
	g.next++
	return code, nil
}

func (g *scriptedGenerator) Type() string {
	return "scripted"
}

func TestAllocator_Allocate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		codes       []string
		maxAttempts int
		setupMocks  func(*mockChecker)
		want        string
		wantErr     error
		errContains string
	}{
		{
			name:        "first code free",
			codes:       []string{"aaaaaa"},
			maxAttempts: 3,
			setupMocks: func(c *mockChecker) {
				c.On("CodeTaken", ctx, "aaaaaa").Return(false, nil).Once()
			},
			want: "aaaaaa",
		},
		{
			name:        "collision then free",
			codes:       []string{"aaaaaa", "bbbbbb"},
			maxAttempts: 3,
			setupMocks: func(c *mockChecker) {
				c.On("CodeTaken", ctx, "aaaaaa").Return(true, nil).Once()
				c.On("CodeTaken", ctx, "bbbbbb").Return(false, nil).Once()
			},
			want: "bbbbbb",
		},
		{
			name:        "attempts exhausted",
			codes:       []string{"aaaaaa"},
			maxAttempts: 3,
			setupMocks: func(c *mockChecker) {
				c.On("CodeTaken", ctx, "aaaaaa").Return(true, nil).Times(3)
			},
			wantErr: domain.ErrCodeSpaceExhausted,
		},
		{
			name:        "checker error",
			codes:       []string{"aaaaaa"},
			maxAttempts: 3,
			setupMocks: func(c *mockChecker) {
				c.On("CodeTaken", ctx, "aaaaaa").Return(false, assert.AnError).Once()
			},
			errContains: "failed to check short code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &mockChecker{}
			tt.setupMocks(checker)

			allocator := NewAllocator(&scriptedGenerator{codes: tt.codes}, checker, tt.maxAttempts)
			code, err := allocator.Allocate(ctx)

			switch {
			case tt.wantErr != nil:
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.errContains != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, code)
			}

			checker.AssertExpectations(t)
		})
	}
}

func TestNew_RequiresChecker(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)

	allocator, err := New(DefaultConfig(), &mockChecker{})
	require.NoError(t, err)
	assert.Equal(t, TypeRandom, allocator.Type())
}

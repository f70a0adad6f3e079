package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/contract-rag/internal/core/contract"
)

func makeChunks(n int) []contract.Chunk {
	chunks := make([]contract.Chunk, n)
	for i := range chunks {
		chunks[i] = contract.Chunk{
			ID:         fmt.Sprintf("DOC-001-p%d", i+1),
			DocumentID: "DOC-001",
			PageNumber: i + 1,
			Text:       fmt.Sprintf("clause text for page %d", i+1),
		}
	}
	return chunks
}

// TestProcessAll_PreservesInputOrder は後のチャンクが先に完了しても
// 結果が入力順に整列されることをテストします
func TestProcessAll_PreservesInputOrder(t *testing.T) {
	p := NewProcessor(ProcessorConfig{MaxConcurrency: 8})
	chunks := makeChunks(8)

	// 前方のチャンクほど遅く完了するよう人工的な遅延を入れる
	op := func(ctx context.Context, chunk contract.Chunk) (string, error) {
		delay := time.Duration(len(chunks)-chunk.PageNumber) * 10 * time.Millisecond
		time.Sleep(delay)
		return chunk.ID, nil
	}

	results, failures, err := ProcessAll(context.Background(), p, chunks, op)
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Len(t, results, len(chunks))

	for i, id := range results {
		assert.Equal(t, chunks[i].ID, id)
	}
}

// TestProcessAll_FailureIsolation は1チャンクの失敗が兄弟チャンクを中断しないことをテストします
func TestProcessAll_FailureIsolation(t *testing.T) {
	p := NewProcessor(ProcessorConfig{MaxConcurrency: 4})
	chunks := makeChunks(10)

	opErr := errors.New("embedding service unavailable")
	op := func(ctx context.Context, chunk contract.Chunk) (string, error) {
		if chunk.PageNumber == 4 {
			return "", opErr
		}
		return chunk.ID, nil
	}

	results, failures, err := ProcessAll(context.Background(), p, chunks, op)
	require.NoError(t, err, "single failure below threshold must not abort")

	assert.Len(t, results, 9)
	require.Len(t, failures, 1)
	assert.Equal(t, 4, failures[0].Item.PageNumber)
	assert.ErrorIs(t, failures[0].Err, opErr)
}

// TestProcessAll_AbortThreshold は失敗率が50%を超えた場合にエラーになることをテストします
func TestProcessAll_AbortThreshold(t *testing.T) {
	p := NewProcessor(ProcessorConfig{MaxConcurrency: 4})
	chunks := makeChunks(10)

	op := func(ctx context.Context, chunk contract.Chunk) (string, error) {
		if chunk.PageNumber <= 6 {
			return "", errors.New("boom")
		}
		return chunk.ID, nil
	}

	results, failures, err := ProcessAll(context.Background(), p, chunks, op)
	require.Error(t, err)

	var tooMany *TooManyFailuresError
	require.True(t, errors.As(err, &tooMany))
	assert.Equal(t, 6, tooMany.Failed)
	assert.Equal(t, 10, tooMany.Total)

	// 成功した分と失敗一覧はエラー時も返される（黙ったままのデータ消失はしない）
	assert.Len(t, results, 4)
	assert.Len(t, failures, 6)
}

// TestProcessAll_ExactlyHalfFails は失敗率がちょうど50%の場合は中止しないことをテストします
func TestProcessAll_ExactlyHalfFails(t *testing.T) {
	p := NewProcessor(ProcessorConfig{MaxConcurrency: 4})
	chunks := makeChunks(10)

	op := func(ctx context.Context, chunk contract.Chunk) (string, error) {
		if chunk.PageNumber%2 == 0 {
			return "", errors.New("boom")
		}
		return chunk.ID, nil
	}

	_, failures, err := ProcessAll(context.Background(), p, chunks, op)
	require.NoError(t, err)
	assert.Len(t, failures, 5)
}

// TestProcessAll_BoundedConcurrency は同時実行数が上限を超えないことをテストします
func TestProcessAll_BoundedConcurrency(t *testing.T) {
	const limit = 3
	p := NewProcessor(ProcessorConfig{MaxConcurrency: limit})
	chunks := makeChunks(20)

	var mu sync.Mutex
	current := 0
	peak := 0

	op := func(ctx context.Context, chunk contract.Chunk) (struct{}, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		return struct{}{}, nil
	}

	_, failures, err := ProcessAll(context.Background(), p, chunks, op)
	require.NoError(t, err)
	require.Empty(t, failures)
	assert.LessOrEqual(t, peak, limit)
}

// TestProcessAll_ContextCancellation はキャンセル時に未処理チャンクが失敗として記録されることをテストします
func TestProcessAll_ContextCancellation(t *testing.T) {
	p := NewProcessor(ProcessorConfig{MaxConcurrency: 1})
	chunks := makeChunks(6)

	ctx, cancel := context.WithCancel(context.Background())

	op := func(ctx context.Context, chunk contract.Chunk) (string, error) {
		if chunk.PageNumber == 1 {
			cancel()
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
			return chunk.ID, nil
		}
	}

	_, failures, err := ProcessAll(ctx, p, chunks, op)

	// キャンセルされたチャンクはcontext.Canceledで記録される
	require.NotEmpty(t, failures)
	for _, f := range failures {
		assert.ErrorIs(t, f.Err, context.Canceled)
	}
	if err != nil {
		var tooMany *TooManyFailuresError
		assert.True(t, errors.As(err, &tooMany))
	}
}

// TestProcessAll_EmptyInput は空入力で即座に正常終了することをテストします
func TestProcessAll_EmptyInput(t *testing.T) {
	p := NewProcessor(ProcessorConfig{})

	results, failures, err := ProcessAll(context.Background(), p, nil, func(ctx context.Context, chunk contract.Chunk) (int, error) {
		return 0, nil
	})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, failures)
}

// TestProcessAll_ProgressCallback は進捗コールバックが全件分呼ばれることをテストします
func TestProcessAll_ProgressCallback(t *testing.T) {
	var mu sync.Mutex
	var last Progress

	p := NewProcessor(ProcessorConfig{
		MaxConcurrency: 2,
		ProgressCallback: func(progress Progress) {
			mu.Lock()
			last = progress
			mu.Unlock()
		},
	})
	chunks := makeChunks(5)

	_, _, err := ProcessAll(context.Background(), p, chunks, func(ctx context.Context, chunk contract.Chunk) (string, error) {
		return chunk.ID, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 5, last.Total)
	assert.Equal(t, 5, last.Completed)
	assert.Equal(t, 0, last.Failed)
}

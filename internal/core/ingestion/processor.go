package ingestion

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxConcurrency はワーカープールのデフォルトサイズ
	// 外部サービスのレート制限を超えないよう抑えた値にしている
	DefaultMaxConcurrency = 10

	// DefaultAbortThreshold は処理全体を中止する失敗率のデフォルト値
	// 失敗はすべて報告されるが、全体の中止はこの割合を超えた場合のみ
	DefaultAbortThreshold = 0.5
)

// Operation は1項目に対する処理（Embedding生成、要約生成など）
type Operation[T, R any] func(ctx context.Context, item T) (R, error)

// Failure は単一項目の処理失敗を表す
type Failure[T any] struct {
	Item T
	Err  error
}

// TooManyFailuresError は失敗率が閾値を超えた場合のエラー
type TooManyFailuresError struct {
	Failed int
	Total  int
}

func (e *TooManyFailuresError) Error() string {
	return fmt.Sprintf("too many failures: %d of %d items failed", e.Failed, e.Total)
}

// Progress はバッチ処理の進捗状況
type Progress struct {
	Total       int
	Completed   int
	Failed      int
	ElapsedTime time.Duration
}

// ProcessorConfig は並列処理の設定
type ProcessorConfig struct {
	// MaxConcurrency は同時実行数の上限
	MaxConcurrency int
	// AbortThreshold は全体を失敗扱いにする失敗率の閾値
	AbortThreshold float64
	// ProgressCallback はプログレス更新時に呼ばれるコールバック（オプション）
	ProgressCallback func(progress Progress)
}

// Processor はチャンク単位の処理を有界のワーカープールで並列実行する
// 各ワーカーは同時に1項目のみを所有し、同一項目が複数ワーカーで処理されることはない
type Processor struct {
	config ProcessorConfig
}

// NewProcessor は新しいProcessorを作成する
func NewProcessor(config ProcessorConfig) *Processor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	if config.AbortThreshold <= 0 || config.AbortThreshold > 1 {
		config.AbortThreshold = DefaultAbortThreshold
	}

	return &Processor{config: config}
}

// ProcessAll は全項目にopを並列適用し、入力順の成功結果と失敗一覧を返す
// 完了順に関係なく、結果は元の入力順に再整列される
// 1項目の失敗は隔離され、他の項目の処理は継続する
// 失敗率が閾値を超えた場合のみTooManyFailuresErrorを返す
func ProcessAll[T, R any](ctx context.Context, p *Processor, items []T, op Operation[T, R]) ([]R, []Failure[T], error) {
	total := len(items)
	if total == 0 {
		return nil, nil, nil
	}

	// 元の位置でインデックスされた結果スロット（完了順キューではなく位置確定マージ）
	slotResults := make([]R, total)
	slotErrs := make([]error, total)

	var mu sync.Mutex
	completed := 0
	failed := 0
	startTime := time.Now()

	notify := func() {
		if p.config.ProgressCallback == nil {
			return
		}
		p.config.ProgressCallback(Progress{
			Total:       total,
			Completed:   completed,
			Failed:      failed,
			ElapsedTime: time.Since(startTime),
		})
	}

	semaphore := make(chan struct{}, p.config.MaxConcurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)

		go func(index int, it T) {
			defer wg.Done()

			// セマフォを取得（並列度を制限）
			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				slotErrs[index] = ctx.Err()
				mu.Lock()
				completed++
				failed++
				notify()
				mu.Unlock()
				return
			}

			result, err := op(ctx, it)
			slotResults[index] = result
			slotErrs[index] = err

			mu.Lock()
			completed++
			if err != nil {
				failed++
			}
			notify()
			mu.Unlock()
		}(i, item)
	}

	wg.Wait()

	// 入力順に成功結果と失敗を収集する
	results := make([]R, 0, total)
	var failures []Failure[T]
	for i := range items {
		if slotErrs[i] != nil {
			failures = append(failures, Failure[T]{Item: items[i], Err: slotErrs[i]})
			continue
		}
		results = append(results, slotResults[i])
	}

	if float64(len(failures)) > p.config.AbortThreshold*float64(total) {
		return results, failures, &TooManyFailuresError{
			Failed: len(failures),
			Total:  total,
		}
	}

	return results, failures, nil
}

// SortedPages はページ番号集合を昇順・重複なしのスライスにして返す
func SortedPages(pages map[int]bool) []int {
	result := make([]int, 0, len(pages))
	for page := range pages {
		result = append(result, page)
	}
	sort.Ints(result)
	return result
}

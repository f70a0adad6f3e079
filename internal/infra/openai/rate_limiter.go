package openai

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter はAPI呼び出しのレート制限を管理する
type RateLimiter struct {
	mu sync.Mutex

	// maxRequestsPerMinute は1分あたりの最大リクエスト数
	maxRequestsPerMinute int

	// tokens はトークンバケット
	tokens int

	// lastRefill は最後にトークンを補充した時刻
	lastRefill time.Time

	// waitQueue は待機中のリクエスト数
	waitQueue int

	// semaphore は並列実行を制御するセマフォ
	semaphore chan struct{}
}

// NewRateLimiter は新しいRateLimiterを作成する
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxRequestsPerMinute: maxRequestsPerMinute,
		tokens:               maxRequestsPerMinute,
		lastRefill:           time.Now(),
		semaphore:            make(chan struct{}, maxRequestsPerMinute),
	}
}

// Wait はレート制限に従って待機し、実行権限を取得する
// contextがキャンセルされた場合はエラーを返す
func (rl *RateLimiter) Wait(ctx context.Context) error {
	// セマフォで並列度を制御
	select {
	case rl.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// トークンバケットアルゴリズムでレート制限
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for {
		rl.refillTokens()

		if rl.tokens > 0 {
			rl.tokens--
			return nil
		}

		rl.waitQueue++
		rl.mu.Unlock()

		select {
		case <-time.After(time.Second):
			// 補充を待って再試行
		case <-ctx.Done():
			rl.mu.Lock()
			rl.waitQueue--
			<-rl.semaphore
			return ctx.Err()
		}

		rl.mu.Lock()
		rl.waitQueue--
	}
}

// Release は実行権限を解放する
// Wait()の後に必ずRelease()を呼ぶこと（通常はdefer文で）
func (rl *RateLimiter) Release() {
	<-rl.semaphore
}

// refillTokens はトークンを補充する（内部用）
// 呼び出し側でロックを取得していることを前提とする
func (rl *RateLimiter) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)

	if elapsed < time.Minute {
		return
	}

	minutes := int(elapsed.Minutes())
	tokensToAdd := minutes * rl.maxRequestsPerMinute

	rl.tokens = min(rl.tokens+tokensToAdd, rl.maxRequestsPerMinute)
	rl.lastRefill = rl.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

// GetStatus は現在の状態を返す（デバッグ・監視用）
func (rl *RateLimiter) GetStatus() RateLimiterStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillTokens()

	return RateLimiterStatus{
		MaxRequestsPerMinute: rl.maxRequestsPerMinute,
		AvailableTokens:      rl.tokens,
		WaitingRequests:      rl.waitQueue,
		ActiveRequests:       len(rl.semaphore),
	}
}

// RateLimiterStatus はレート制限の状態
type RateLimiterStatus struct {
	MaxRequestsPerMinute int
	AvailableTokens      int
	WaitingRequests      int
	ActiveRequests       int
}

// String はステータスを文字列表現で返す
func (s RateLimiterStatus) String() string {
	return fmt.Sprintf(
		"RateLimiter: max=%d/min, available=%d, waiting=%d, active=%d",
		s.MaxRequestsPerMinute,
		s.AvailableTokens,
		s.WaitingRequests,
		s.ActiveRequests,
	)
}

// completer は補完呼び出しの最小インターフェース
type completer interface {
	Complete(ctx context.Context, prompt string, temperature float64, maxOutputTokens int) (string, error)
}

// ThrottledClient はレート制限付きの補完クライアント
type ThrottledClient struct {
	client      completer
	rateLimiter *RateLimiter
}

// NewThrottledClient はレート制限付きの補完クライアントを作成する
func NewThrottledClient(client completer, maxRequestsPerMinute int) *ThrottledClient {
	return &ThrottledClient{
		client:      client,
		rateLimiter: NewRateLimiter(maxRequestsPerMinute),
	}
}

// Complete はレート制限に従って補完APIを呼び出す
func (tc *ThrottledClient) Complete(ctx context.Context, prompt string, temperature float64, maxOutputTokens int) (string, error) {
	if err := tc.rateLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait failed: %w", err)
	}
	defer tc.rateLimiter.Release()

	return tc.client.Complete(ctx, prompt, temperature, maxOutputTokens)
}

// GetRateLimiterStatus はレート制限の状態を返す
func (tc *ThrottledClient) GetRateLimiterStatus() RateLimiterStatus {
	return tc.rateLimiter.GetStatus()
}

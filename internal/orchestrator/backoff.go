package orchestrator

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy — усечённая экспоненциальная задержка с джиттером.
//
// delay(n) = min(cap, base · 2^(n-1)) ± jitter. Используется на двух
// уровнях: retry шага внутри попытки execution и retry самого execution
// между попытками.
type BackoffPolicy struct {
	// Base — задержка первой попытки.
	Base time.Duration

	// Cap — потолок задержки.
	Cap time.Duration

	// JitterPct — доля равномерного джиттера (0.2 = ±20%).
	JitterPct float64
}

// DefaultStepBackoff — политика retry на уровне шага.
func DefaultStepBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Cap: 60 * time.Second, JitterPct: 0.2}
}

// DefaultExecutionBackoff — политика retry на уровне execution.
func DefaultExecutionBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 5 * time.Second, Cap: 300 * time.Second, JitterPct: 0.2}
}

// Delay возвращает задержку перед попыткой n (n >= 1).
func (p BackoffPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	delay := p.Base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}

	if p.JitterPct > 0 {
		// Равномерный джиттер в [-JitterPct, +JitterPct].
		factor := 1 + p.JitterPct*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

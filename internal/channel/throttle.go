// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package channel

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize é o burst máximo do rate limiter (256KB), alinhado ao
// tamanho do buffer de leitura da goroutine de envio.
const maxBurstSize = 256 * 1024

// ThrottledWriter é um io.Writer com rate limiting por token bucket.
// O canal é, por premissa, limitado em banda: o throttle deixa o operador
// reservar banda para o resto do link em vez de saturá-lo com diffs.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter cria um ThrottledWriter com a taxa máxima em
// bytes/segundo. Se bytesPerSec <= 0, retorna o writer original (bypass).
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	burst := int(min(bytesPerSec, maxBurstSize))
	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write implementa io.Writer com rate limiting. Escritas maiores que o
// burst são divididas para consumir tokens gradualmente.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	totalWritten := 0
	for len(p) > 0 {
		chunk := min(len(p), tw.limiter.Burst())
		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}
		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}
		p = p[n:]
	}
	return totalWritten, nil
}

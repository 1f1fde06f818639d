// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

import "sync"

// taskKind identifica o trabalho despachado ao pool. Só existem dois: o
// diff+compressão paralelo e o pedido de parada.
type taskKind int

const (
	taskNone taskKind = iota
	taskCompressedDiff
	taskStop
)

// workerPool paraleliza diff+compressão sobre um único sfd grande. Um mutex
// guarda o estado do dispatcher; workNeeded acorda os workers quando taskID
// muda, workDone avisa o main a cada término. Cada worker guarda o seu
// lastTaskID e só age quando ele difere do taskID compartilhado — é isso
// que evita wakeups perdidos e re-execução de tasks antigos.
//
// A thread principal tem índice zero e divide a carga: como o diff a
// bloquearia de qualquer forma, ela processa a própria fatia inline.
type workerPool struct {
	m *TranslationMap

	mu         sync.Mutex
	workNeeded *sync.Cond
	workDone   *sync.Cond

	taskID    int
	task      taskKind
	target    *ShadowFd
	completed int

	nthreads int
	workers  []*workerState
	wg       sync.WaitGroup
}

// workerState é o estado privado de um worker: o context de compressão
// (nunca compartilhado), o último task visto e o resultado da fatia.
type workerState struct {
	index      int
	lastTaskID int
	comp       *CompCtx

	// Resultado do último taskCompressedDiff: a fatia comprimida e o
	// tamanho do diff antes da compressão.
	result     []byte
	actualSize int
}

// newWorkerPool sobe nthreads-1 goroutines; a principal é o worker zero.
func newWorkerPool(m *TranslationMap, nthreads int, mode CompMode) *workerPool {
	p := &workerPool{m: m, nthreads: nthreads, task: taskStop}
	p.workNeeded = sync.NewCond(&p.mu)
	p.workDone = sync.NewCond(&p.mu)
	p.workers = make([]*workerState, nthreads-1)
	for i := range p.workers {
		w := &workerState{
			index: i + 1,
			comp:  NewCompCtx(mode, m.log),
		}
		p.workers[i] = w
		p.wg.Add(1)
		go p.workerMain(w)
	}
	return p
}

func (p *workerPool) workerMain(w *workerState) {
	defer p.wg.Done()
	p.m.log.Debug("opening worker", "index", w.index)

	// O loop roda travado por default e só destrava dentro do Wait e
	// durante o processamento da fatia.
	p.mu.Lock()
	for {
		if p.taskID != w.lastTaskID {
			w.lastTaskID = p.taskID
			if p.task == taskStop {
				break
			}
			if p.task == taskCompressedDiff {
				p.mu.Unlock()
				// O main não modifica estado relevante aos workers
				// entre incrementar o taskID e esperar workDone.
				p.m.workerRunCompressedDiff(w.comp, w.index, w)
				p.mu.Lock()
			}
			p.completed++
			p.workDone.Signal()
		}
		p.workNeeded.Wait()
	}
	p.mu.Unlock()

	p.m.log.Debug("closing worker", "index", w.index)
	w.comp.Close()
}

// dispatch publica um task novo e acorda o pool. Chamado só pela thread
// principal.
func (p *workerPool) dispatch(task taskKind, target *ShadowFd) {
	p.mu.Lock()
	p.taskID++
	p.completed = 0
	p.task = task
	p.target = target
	p.mu.Unlock()
	p.workNeeded.Broadcast()
}

// waitDone conta a conclusão do worker zero (o chamador) e espera os demais.
func (p *workerPool) waitDone() {
	p.mu.Lock()
	p.completed++
	for p.completed != p.nthreads {
		p.workDone.Wait()
	}
	p.mu.Unlock()
}

// stop encerra os workers e espera cada um sair do loop. Workers não tocam
// estado compartilhado depois de reconhecer o stop.
func (p *workerPool) stop() {
	if p.nthreads > 1 {
		p.dispatch(taskStop, nil)
		p.wg.Wait()
	}
}

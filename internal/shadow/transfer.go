// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

// Transfer é uma atualização lógica de um sfd a caminho do peer: categoria,
// id remoto, o campo special e um ou mais blocos de bytes comprimidos.
// Diffs paralelos produzem um bloco por worker, concatenados em ordem de
// índice; o receptor descomprime e aplica cada bloco em ordem.
type Transfer struct {
	Kind  FdKind
	ObjID int32
	// Special é interpretado por categoria: para File e Dmabuf carrega o
	// tamanho NÃO comprimido do payload — o tamanho original do arquivo no
	// primeiro envio, a soma dos diffs das fatias nos seguintes (o peer
	// desambigua pela existência do mirror). Para pipes é o flag de close.
	Special uint32
	Blocks  [][]byte
}

// PipeCloseFlag é o valor de Special que propaga o fechamento de um pipe.
const PipeCloseFlag = 1

// singleBlockTransfer monta um transfer de um bloco só.
func singleBlockTransfer(kind FdKind, objID int32, special uint32, data []byte) Transfer {
	return Transfer{
		Kind:    kind,
		ObjID:   objID,
		Special: special,
		Blocks:  [][]byte{data},
	}
}

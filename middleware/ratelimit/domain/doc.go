// Package domain define contratos e tipos de domínio para admissão: chaves,
// políticas de janela fixa com ban, registros por chave e a decisão composta.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A transição de estado de uma chave (Apply) mora aqui para que o store em
// memória e o script do Redis sigam exatamente a mesma regra.
package domain

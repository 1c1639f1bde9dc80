// Package credential authorizes RFID cards presented at a lock.
//
// Card numbers are never stored. Each card is reduced to a keyed Argon2id
// hash (the key comes from rfid.hash_key) and only that hash is persisted in
// the credentials table. The Store keeps every credential in memory indexed
// by hash, so authorizing a card costs one hash computation and a map lookup.
//
// A credential may be limited to a set of locks; an empty set allows every
// lock.
package credential

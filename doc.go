// Package cryptofs provides a transparent encryption layer for the AbsFs
// filesystem abstraction. It presents a cleartext directory tree while the
// wrapped filesystem only ever stores encrypted names and contents.
//
// # Overview
//
// CryptoFS implements the absfs.FileSystem interface, so it can wrap any
// AbsFs-compatible filesystem (an OS directory, memfs, an object store
// adapter) and be used in its place.
//
// # Basic Usage
//
//	base, _ := memfs.NewFS()
//
//	config := &cryptofs.Config{
//	    Cipher: cryptofs.CipherAuto,
//	    KeyProvider: cryptofs.NewPasswordKeyProvider(
//	        []byte("my-secure-password"),
//	        cryptofs.Argon2idParams{
//	            Memory:      64 * 1024, // 64 MB
//	            Iterations:  3,
//	            Parallelism: 4,
//	        },
//	    ),
//	}
//
//	fs, err := cryptofs.New(base, config)
//	if err != nil {
//	    panic(err)
//	}
//	defer fs.Close()
//
//	f, _ := fs.Create("/secret.txt")
//	f.WriteString("This will be encrypted on disk")
//	f.Close()
//
// # Vault Layout
//
// The first New on an empty filesystem writes vault.cryptofs, which holds
// the cipher suite, chunk size and the salt handed to the KeyProvider.
// Every directory gets a random ID and its entries live in a storage
// directory named after a keyed hash of that ID:
//
//	vault.cryptofs
//	d/XX/YYYYYYYYYYYYYYYYYYYYYYYYYYYYYY/
//	    <name>.c9r                 regular file
//	    <name>.c9r/dir.c9r         directory, holds its directory ID
//	    <name>.c9r/symlink.c9r     symbolic link, holds the encrypted target
//	    <hash>.c9s/name.c9s        node whose encrypted name was too long
//
// Names are encrypted with AES-SIV using the parent directory ID as
// associated data. Encrypted names longer than the shortening threshold are
// replaced by a hash and the full name is kept in name.c9s.
//
// # File Format
//
// A content file starts with a 26-byte header (magic "CRFS", version, cipher
// suite, chunk size, random file ID) followed by fixed-size chunks. Each
// chunk is nonce, AEAD ciphertext and tag, authenticated with the file ID
// and the chunk index so chunks cannot be swapped or replayed.
//
// # Caching
//
// Every open file owns a ChunkCache. Chunks in use are never evicted; at
// most MaxCachedCleartextChunks unused chunks are kept, and the oldest is
// written back when another becomes unused. Handles opened on the same path
// share one cache.
//
// # Security Considerations
//
// Protected Against:
//   - Unauthorized access to file contents and names at rest
//   - Data tampering, chunk reordering and truncation inside a chunk
//   - Moving an encrypted node into another directory
//
// Not Protected Against:
//   - Memory dumps while files are decrypted in memory
//   - Metadata leakage (file sizes, directory shape, access patterns)
//   - Rollback of whole files to an earlier version
package cryptofs

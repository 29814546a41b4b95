package crypto_test

import (
	"fmt"

	"github.com/TheMichaelB/notesync/internal/crypto"
)

func ExampleCryptoProvider_DeriveKey() {
	provider := crypto.NewProvider()

	info, err := crypto.NewKeyInfo(crypto.KDFScrypt)
	if err != nil {
		panic(err)
	}

	key, err := provider.DeriveKey("correct horse battery staple", info)
	if err != nil {
		panic(err)
	}

	fmt.Println(info.KDF, len(key))
	// Output: scrypt 32
}

func ExampleEncryptData() {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}

	envelope := []byte(`{"access":"a","refresh":"r"}`)
	sealed, err := crypto.EncryptData(envelope, key)
	if err != nil {
		panic(err)
	}

	fmt.Println(len(sealed) == crypto.NonceSize+len(envelope)+crypto.TagSize)

	opened, err := crypto.DecryptData(sealed, key)
	if err != nil {
		panic(err)
	}
	fmt.Println(string(opened))
	// Output: true
	// {"access":"a","refresh":"r"}
}

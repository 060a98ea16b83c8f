package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/uhyunpark/darkpool/pkg/app/core/transaction"
	"github.com/uhyunpark/darkpool/pkg/crypto"
)

func main() {
	keyHex := flag.String("key", "", "owner private key (hex); a new key is generated when empty")
	marketID := flag.String("market", "SOL-USDC", "market id")
	side := flag.String("side", "bid", "bid or ask")
	amountIn := flag.Int64("amount", 100, "amount in")
	minOut := flag.Int64("min-out", 0, "minimum amount out")
	nonce := flag.Int64("nonce", 1, "owner nonce")
	flag.Parse()

	// Step 1: Generate or load key
	var (
		signer *crypto.Signer
		err    error
	)
	if *keyHex == "" {
		signer, err = crypto.GenerateKey()
	} else {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Address: %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}

	// Step 2: Build typed order
	sideCode := crypto.SideBid
	switch *side {
	case "bid", "buy":
	case "ask", "sell":
		sideCode = crypto.SideAsk
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown side %q\n", *side)
		os.Exit(1)
	}
	typed := &crypto.PlaceOrderEIP712{
		Market:       *marketID,
		Side:         sideCode,
		AmountIn:     big.NewInt(*amountIn),
		MinAmountOut: big.NewInt(*minOut),
		Nonce:        big.NewInt(*nonce),
		Owner:        signer.Address(),
	}

	// Step 3: Sign with EIP-712
	domain := crypto.DefaultDomain()
	signature, err := crypto.NewEIP712Signer(domain).SignPlace(signer, typed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing: %v\n", err)
		os.Exit(1)
	}
	req := transaction.FromEIP712Place(typed)
	req.Signature = fmt.Sprintf("0x%x", signature)

	// Step 4: Verify before printing
	if _, err := transaction.NewVerifier(domain).VerifyPlace(req); err != nil {
		fmt.Fprintf(os.Stderr, "Error verifying: %v\n", err)
		os.Exit(1)
	}

	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "POST http://localhost:8080/api/v1/orders")
	fmt.Println(string(body))
}

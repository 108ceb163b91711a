package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/uhyunpark/hypermarket/pkg/api"
	"github.com/uhyunpark/hypermarket/pkg/crypto"
)

func main() {
	var (
		server   = flag.String("server", "http://localhost:8080", "matcher API base URL")
		keyHex   = flag.String("key", os.Getenv("MAKER_PRIVATE_KEY"), "maker private key (hex); a fresh key is generated when empty")
		market   = flag.String("market", "", "market id")
		side     = flag.String("side", "buy", "buy or sell")
		price    = flag.Int64("price", 50, "limit price in ticks (1-99)")
		qty      = flag.Int64("qty", 1, "quantity in contracts")
		tif      = flag.String("tif", "GTC", "time in force: GTC, IOC or FOK")
		ttl      = flag.Duration("ttl", 0, "expire the order after this long (0 = never)")
		priority = flag.Int64("priority", 0, "queue priority score, lower is claimed first")
		run      = flag.Bool("run", false, "invoke the matcher after enqueueing")
		dryRun   = flag.Bool("dry-run", false, "print the signed request without sending it")
	)
	flag.Parse()

	if *market == "" {
		fail("-market is required")
	}

	// Step 1: load or generate the maker key
	var (
		signer *crypto.Signer
		err    error
	)
	if *keyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	} else {
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Fprintf(os.Stderr, "Generated key %s (private key %s)\n", signer.Address().Hex(), signer.PrivateKeyHex())
		}
	}
	if err != nil {
		fail("key: %v", err)
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		fail("nonce: %v", err)
	}
	var expiresAt int64
	if *ttl > 0 {
		expiresAt = time.Now().Add(*ttl).Unix()
	}

	// Step 2: sign the order with EIP-712
	msg := crypto.OrderMessage{
		MarketID:    *market,
		Side:        strings.ToUpper(*side),
		PriceTicks:  *price,
		Quantity:    *qty,
		TimeInForce: strings.ToUpper(*tif),
		Nonce:       nonce,
		ExpiresAt:   expiresAt,
		Maker:       signer.Address(),
	}
	// collateral a buyer locks at most: price per contract in minor units
	if msg.Side == "BUY" {
		msg.MaxCollateral = msg.PriceTicks * msg.Quantity * 10_000
	} else {
		msg.MaxCollateral = (100 - msg.PriceTicks) * msg.Quantity * 10_000
	}

	sig, err := crypto.DefaultDomain().SignOrder(signer, msg)
	if err != nil {
		fail("sign: %v", err)
	}

	req := api.SubmitOrderRequest{
		OrderID:        crypto.NewOrderID(),
		MarketID:       msg.MarketID,
		MakerAccountID: msg.Maker.Hex(),
		Side:           msg.Side,
		PriceTicks:     msg.PriceTicks,
		Quantity:       msg.Quantity,
		MaxCollateral:  msg.MaxCollateral,
		TimeInForce:    msg.TimeInForce,
		ExpiresAt:      msg.ExpiresAt,
		Nonce:          msg.Nonce,
		Signature:      sig,
		PriorityScore:  *priority,
	}

	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fail("marshal: %v", err)
	}
	if *dryRun {
		fmt.Println(string(body))
		return
	}

	// Step 3: submit, then optionally trigger a run
	base := strings.TrimRight(*server, "/")
	out, err := post(base+"/api/v1/orders", body)
	if err != nil {
		fail("enqueue: %v", err)
	}
	fmt.Println(out)

	if *run {
		out, err := post(base+"/api/v1/matcher/run", []byte(`{"trigger":"cli","marketId":"`+*market+`"}`))
		if err != nil {
			fail("run: %v", err)
		}
		fmt.Println(out)
	}
}

func post(url string, body []byte) (string, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return strings.TrimSpace(string(data)), nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

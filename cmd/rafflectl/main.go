// Command rafflectl manages keys and drives a raffler server: it signs
// create, buy and close requests and triggers draws and payouts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gopkg.in/urfave/cli.v1"

	"github.com/alanyoungcy/raffler/internal/crypto"
	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/raffle"
	"github.com/alanyoungcy/raffler/internal/server/handler"
)

const defaultProgramID = "0x00000000000000000000000000000000000000f1"

var (
	keyFlags = []cli.Flag{
		cli.StringFlag{Name: "key", Usage: "hex private key", EnvVar: "RAFFLER_KEY"},
		cli.StringFlag{Name: "key-file", Usage: "encrypted key file", EnvVar: "RAFFLER_KEY_FILE"},
		cli.StringFlag{Name: "password", Usage: "key file password", EnvVar: "RAFFLER_KEY_PASSWORD"},
		cli.DurationFlag{Name: "ttl", Value: 2 * time.Minute, Usage: "signature lifetime"},
	}
	raffleFlag = cli.StringFlag{Name: "raffle, r", Usage: "raffle address"}
)

func main() {
	app := cli.NewApp()
	app.Name = "rafflectl"
	app.Usage = "sign and send raffler requests"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "server, s", Value: "http://localhost:8000", Usage: "raffler base URL", EnvVar: "RAFFLER_SERVER"},
		cli.StringFlag{Name: "api-key", Usage: "operator api key", EnvVar: "RAFFLER_API_KEY"},
	}
	app.Commands = []cli.Command{
		{
			Name:  "keygen",
			Usage: "generate a signing key",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out", Usage: "write the key encrypted to this file"},
				cli.StringFlag{Name: "password", EnvVar: "RAFFLER_KEY_PASSWORD"},
			},
			Action: keygen,
		},
		{
			Name:  "encrypt-key",
			Usage: "encrypt an existing hex key to a file",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "key", EnvVar: "RAFFLER_KEY"},
				cli.StringFlag{Name: "out"},
				cli.StringFlag{Name: "password", EnvVar: "RAFFLER_KEY_PASSWORD"},
			},
			Action: encryptKey,
		},
		{
			Name:  "derive",
			Usage: "compute raffle and book addresses offline",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "program", Value: defaultProgramID},
				cli.StringFlag{Name: "creator"},
				cli.StringFlag{Name: "cost-token"},
				cli.StringFlag{Name: "prize-token"},
			},
			Action: derive,
		},
		{
			Name:  "create",
			Usage: "create a raffle signed by the creator key",
			Flags: append([]cli.Flag{
				cli.StringFlag{Name: "cost-token"},
				cli.StringFlag{Name: "prize-token"},
				cli.Uint64Flag{Name: "price"},
				cli.Uint64Flag{Name: "prize-quantity"},
				cli.Uint64Flag{Name: "per-win"},
				cli.Uint64Flag{Name: "max-entries"},
				cli.BoolFlag{Name: "win-multiple"},
				cli.BoolFlag{Name: "burn"},
				cli.BoolFlag{Name: "fixed"},
				cli.UintFlag{Name: "cost-decimals"},
				cli.UintFlag{Name: "prize-decimals"},
				cli.StringFlag{Name: "start", Usage: "RFC 3339 start, default now"},
				cli.DurationFlag{Name: "duration", Value: 24 * time.Hour, Usage: "sale window length"},
				cli.StringFlag{Name: "description"},
				cli.StringFlag{Name: "nft-uri"},
				cli.StringFlag{Name: "nft-image"},
			}, keyFlags...),
			Action: create,
		},
		{
			Name:   "buy",
			Usage:  "buy tickets with the buyer key",
			Flags:  append([]cli.Flag{raffleFlag, cli.Uint64Flag{Name: "quantity, n", Value: 1}}, keyFlags...),
			Action: buy,
		},
		{
			Name:   "draw",
			Usage:  "select the winners of a due raffle",
			Flags:  []cli.Flag{raffleFlag},
			Action: crank("draw"),
		},
		{
			Name:   "disburse",
			Usage:  "pay the prizes of a drawn raffle",
			Flags:  []cli.Flag{raffleFlag},
			Action: crank("disburse"),
		},
		{
			Name:   "close",
			Usage:  "settle escrow and close a raffle",
			Flags:  append([]cli.Flag{raffleFlag, cli.BoolFlag{Name: "force"}}, keyFlags...),
			Action: closeRaffle,
		},
		{
			Name:   "show",
			Usage:  "print a raffle and its entries",
			Flags:  []cli.Flag{raffleFlag},
			Action: show,
		},
		{
			Name:  "fund",
			Usage: "credit a wallet from the development faucet",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "owner"},
				cli.StringFlag{Name: "token"},
				cli.Uint64Flag{Name: "amount"},
			},
			Action: fund,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rafflectl:", err)
		os.Exit(1)
	}
}

func keygen(c *cli.Context) error {
	key, addr, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	if out := c.String("out"); out != "" {
		if c.String("password") == "" {
			return errors.New("--password is required with --out")
		}
		if err := crypto.WriteKeyFile(out, key, c.String("password")); err != nil {
			return err
		}
		return printJSON(map[string]string{"address": addr.Hex(), "key_file": out})
	}
	return printJSON(map[string]string{"address": addr.Hex(), "private_key": key})
}

func encryptKey(c *cli.Context) error {
	if c.String("key") == "" || c.String("out") == "" || c.String("password") == "" {
		return errors.New("--key, --out and --password are required")
	}
	s, err := crypto.NewSigner(c.String("key"))
	if err != nil {
		return err
	}
	if err := crypto.WriteKeyFile(c.String("out"), c.String("key"), c.String("password")); err != nil {
		return err
	}
	return printJSON(map[string]string{"address": s.Address().Hex(), "key_file": c.String("out")})
}

func derive(c *cli.Context) error {
	program, err := address(c, "program")
	if err != nil {
		return err
	}
	var parts [3]common.Address
	for i, name := range []string{"creator", "cost-token", "prize-token"} {
		if parts[i], err = address(c, name); err != nil {
			return err
		}
	}
	f := crypto.NewAccountFactory(program)
	raffleAddr := f.DeriveRaffle(parts[0], parts[1], parts[2])
	book, err := f.DeriveBook(raffleAddr)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"raffle": raffleAddr.Hex(), "book": book.Hex()})
}

func create(c *cli.Context) error {
	signer, err := loadSigner(c)
	if err != nil {
		return err
	}
	start := time.Now()
	if v := c.String("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("--start: %w", err)
		}
	}
	costDec, prizeDec := c.Uint("cost-decimals"), c.Uint("prize-decimals")
	if costDec > 255 || prizeDec > 255 {
		return errors.New("decimals must fit in a byte")
	}
	req := handler.CreateRequest{
		CostToken:     c.String("cost-token"),
		PrizeToken:    c.String("prize-token"),
		Price:         c.Uint64("price"),
		PrizeQuantity: c.Uint64("prize-quantity"),
		PerWin:        c.Uint64("per-win"),
		MaxEntries:    c.Uint64("max-entries"),
		WinMultiple:   c.Bool("win-multiple"),
		Burn:          c.Bool("burn"),
		Fixed:         c.Bool("fixed"),
		CostDecimals:  uint8(costDec),
		PrizeDecimals: uint8(prizeDec),
		Start:         start.Unix(),
		End:           start.Add(c.Duration("duration")).Unix(),
		Description:   c.String("description"),
		NFTURI:        c.String("nft-uri"),
		NFTImage:      c.String("nft-image"),
	}
	cfg, err := req.Config(signer.Address())
	if err != nil {
		return err
	}

	api := client(c)
	var derived struct {
		Raffle common.Address `json:"raffle"`
	}
	q := fmt.Sprintf("/api/derive?creator=%s&cost_token=%s&prize_token=%s",
		cfg.Creator.Hex(), cfg.CostToken.Hex(), cfg.PrizeToken.Hex())
	if err := api.do(ctx(), http.MethodGet, q, nil, &derived); err != nil {
		return err
	}

	if req.Envelope, err = seal(c, signer, raffle.CreateOperation(derived.Raffle, cfg)); err != nil {
		return err
	}
	var out handler.RaffleView
	if err := api.do(ctx(), http.MethodPost, "/api/raffles", req, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func buy(c *cli.Context) error {
	addr, err := address(c, "raffle")
	if err != nil {
		return err
	}
	signer, err := loadSigner(c)
	if err != nil {
		return err
	}
	req := handler.BuyRequest{Quantity: c.Uint64("quantity")}
	if req.Envelope, err = seal(c, signer, raffle.BuyOperation(addr, req.Quantity)); err != nil {
		return err
	}
	var entry domain.TicketEntry
	if err := client(c).do(ctx(), http.MethodPost, "/api/raffles/"+addr.Hex()+"/tickets", req, &entry); err != nil {
		return err
	}
	return printJSON(entry)
}

func crank(action string) func(*cli.Context) error {
	return func(c *cli.Context) error {
		addr, err := address(c, "raffle")
		if err != nil {
			return err
		}
		var out json.RawMessage
		if err := client(c).do(ctx(), http.MethodPost, "/api/raffles/"+addr.Hex()+"/"+action, nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	}
}

func closeRaffle(c *cli.Context) error {
	addr, err := address(c, "raffle")
	if err != nil {
		return err
	}
	signer, err := loadSigner(c)
	if err != nil {
		return err
	}
	req := handler.CloseRequest{Force: c.Bool("force")}
	if req.Envelope, err = seal(c, signer, raffle.CloseOperation(addr, req.Force)); err != nil {
		return err
	}
	var out domain.Settlement
	if err := client(c).do(ctx(), http.MethodPost, "/api/raffles/"+addr.Hex()+"/close", req, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func show(c *cli.Context) error {
	addr, err := address(c, "raffle")
	if err != nil {
		return err
	}
	api := client(c)
	var view handler.RaffleView
	if err := api.do(ctx(), http.MethodGet, "/api/raffles/"+addr.Hex(), nil, &view); err != nil {
		return err
	}
	var entries struct {
		Entries []domain.TicketEntry `json:"entries"`
	}
	if err := api.do(ctx(), http.MethodGet, "/api/raffles/"+addr.Hex()+"/entries", nil, &entries); err != nil {
		return err
	}
	return printJSON(map[string]any{"raffle": view, "entries": entries.Entries})
}

func fund(c *cli.Context) error {
	owner, err := address(c, "owner")
	if err != nil {
		return err
	}
	if _, err := address(c, "token"); err != nil {
		return err
	}
	var out json.RawMessage
	body := handler.FundRequest{Token: c.String("token"), Amount: c.Uint64("amount")}
	if err := client(c).do(ctx(), http.MethodPost, "/api/wallets/"+owner.Hex()+"/fund", body, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func loadSigner(c *cli.Context) (*crypto.Signer, error) {
	return crypto.LoadKey(crypto.KeySource{
		Raw:      c.String("key"),
		Path:     c.String("key-file"),
		Password: c.String("password"),
	})
}

func seal(c *cli.Context, s *crypto.Signer, op crypto.Operation) (handler.Envelope, error) {
	op.Nonce = uuid.NewString()
	op.ExpiresAt = time.Now().Add(c.Duration("ttl")).Unix()
	return handler.Seal(s, op)
}

func client(c *cli.Context) *apiClient {
	return newAPIClient(c.GlobalString("server"), c.GlobalString("api-key"))
}

func address(c *cli.Context, flag string) (common.Address, error) {
	v := c.String(flag)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("--%s: %q is not an address", flag, v)
	}
	return common.HexToAddress(v), nil
}

func ctx() context.Context { return context.Background() }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

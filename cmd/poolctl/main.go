// Command poolctl prints pools, odds and proposals from the exchange
// database as tables.
//
//	poolctl [-config config.toml] pools
//	poolctl [-config config.toml] pool <id>
//	poolctl [-config config.toml] proposals
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"outcome-exchange/internal/config"
	"outcome-exchange/internal/db"
	"outcome-exchange/internal/engine"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: poolctl [-config path] pools | pool <id> | proposals\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "poolctl:", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn (or AMM_DATABASE_DSN) is required")
	}
	store, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "pools":
		pools, err := store.ListPools(ctx)
		if err != nil {
			return err
		}
		return renderPools(out, pools)
	case "pool":
		if len(args) < 2 {
			return fmt.Errorf("pool: missing id")
		}
		p, err := store.GetPool(ctx, args[1])
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("pool %s not found", args[1])
		}
		positions, err := store.ListPoolPositions(ctx, p.ID)
		if err != nil {
			return err
		}
		return renderPool(out, *p, positions)
	case "proposals":
		proposals, err := store.ListProposals(ctx)
		if err != nil {
			return err
		}
		return renderProposals(out, proposals)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// units formats a scaled amount in human units, two decimals.
func units(a fixed.Amount) string {
	return a.Decimal().StringFixed(2)
}

func odds(v float64) string {
	if v == 0 {
		return "-"
	}
	return decimal.NewFromFloat(v).StringFixed(3)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderPools(out io.Writer, pools []model.Pool) error {
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Title", "Status", "Liquidity", "Odds", "Seq")
	for _, p := range pools {
		quoted := engine.Odds(&p)
		parts := make([]string, len(p.Outcomes))
		for i, o := range p.Outcomes {
			parts[i] = o.Label + " " + odds(quoted[i])
		}
		status := string(p.Status)
		if p.WinningOutcome != nil && int(*p.WinningOutcome) < len(p.Outcomes) {
			status += " (" + p.Outcomes[*p.WinningOutcome].Label + ")"
		}
		if err := table.Append(
			shortID(p.ID),
			p.Title,
			status,
			units(p.TotalLiquidity),
			strings.Join(parts, " | "),
			fmt.Sprintf("%d", p.Seq),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderPool(out io.Writer, p model.Pool, positions []model.Position) error {
	fmt.Fprintf(out, "%s  %s  [%s]\n", p.ID, p.Title, p.Status)
	fmt.Fprintf(out, "fees: creator %d bps, platform %d bps\n", p.CreatorFeeBps, p.PlatformFeeBps)
	if s := p.Settlement; s != nil {
		fmt.Fprintf(out, "settlement: distributable %s, paid %s, creator %s, platform %s\n",
			units(s.Distributable), units(s.PaidOut), units(s.CreatorCut), units(s.PlatformCut))
	}

	quoted := engine.Odds(&p)
	table := tablewriter.NewWriter(out)
	table.Header("#", "Outcome", "Liquidity", "Shares", "Odds")
	for i, o := range p.Outcomes {
		if err := table.Append(
			fmt.Sprintf("%d", o.Index),
			o.Label,
			units(o.Liquidity),
			units(o.TotalShares),
			odds(quoted[i]),
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	if len(positions) == 0 {
		return nil
	}
	holders := tablewriter.NewWriter(out)
	holders.Header("User", "Outcome", "Shares", "Seed", "Cost", "Claimed")
	for _, pos := range positions {
		label := fmt.Sprintf("%d", pos.OutcomeIndex)
		if int(pos.OutcomeIndex) < len(p.Outcomes) {
			label = p.Outcomes[pos.OutcomeIndex].Label
		}
		if err := holders.Append(
			shortID(pos.UserID),
			label,
			units(pos.Shares),
			units(pos.SeedShares),
			units(pos.CostBasis),
			fmt.Sprintf("%t", pos.Claimed),
		); err != nil {
			return err
		}
	}
	return holders.Render()
}

func renderProposals(out io.Writer, proposals []model.Proposal) error {
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Title", "Status", "Yes", "No", "Deadline", "Pool")
	for _, p := range proposals {
		pool := "-"
		if p.LinkedPool != nil {
			pool = shortID(*p.LinkedPool)
		}
		if err := table.Append(
			shortID(p.ID),
			p.Title,
			string(p.Status),
			units(p.YesVotes),
			units(p.NoVotes),
			p.Deadline.UTC().Format(time.RFC3339),
			pool,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

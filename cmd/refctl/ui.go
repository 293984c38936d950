package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"refengine/internal/rewards"
	"refengine/internal/syncq"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func renderDistribution(out rewards.DistributionResult) {
	accent.Printf("\n== DISTRIBUTION %s ==\n", out.EventID)
	fmt.Printf("Earner:      %s\n", out.EarnerID)
	fmt.Printf("Levels:      %d\n", out.LevelsProcessed)
	fmt.Printf("Distributed: %s BSK\n", colorizeAmount(out.CommissionsDistributed))
	if out.TreeRepaired {
		printWarn("Referral tree was rebuilt before paying.")
	}
	if out.Reason != "" {
		printWarn("Nothing paid: " + out.Reason)
	}

	if len(out.Commissions) > 0 {
		fmt.Println()
		accent.Println("Paid")
		fmt.Printf("%-5s %-36s %-14s %8s %8s %16s\n", "LVL", "SPONSOR", "BADGE", "UNLOCK", "RATE", "BSK")
		for _, c := range out.Commissions {
			capped := ""
			if c.Capped {
				capped = " (capped)"
			}
			fmt.Printf("%-5d %-36s %-14s %8d %7s%% %16s%s\n",
				c.Level,
				c.SponsorID,
				truncate(c.Badge, 14),
				c.UnlockedLevels,
				c.Percent.String(),
				formatBSK(c.Amount),
				capped,
			)
		}
	}
	if len(out.Skipped) > 0 {
		fmt.Println()
		accent.Println("Skipped")
		fmt.Printf("%-5s %-36s %-22s %-14s\n", "LVL", "SPONSOR", "REASON", "BADGE")
		for _, s := range out.Skipped {
			fmt.Printf("%-5d %-36s %-22s %-14s\n", s.Level, s.SponsorID, s.Reason, truncate(s.Badge, 14))
		}
	}
	if len(out.Failed) > 0 {
		fmt.Println()
		danger.Println("Failed")
		for _, f := range out.Failed {
			fmt.Printf("%-5d %-36s %-10s %s\n", f.Level, f.SponsorID, f.Stage, f.Error)
		}
	}
	fmt.Println()
}

func renderMilestones(out rewards.MilestoneResult) {
	accent.Printf("\n== MILESTONES %s ==\n", out.SponsorID)
	fmt.Printf("VIP referrals: %d\n", out.CurrentVIPCount)
	if out.Reason != "" {
		printInfo("No award: " + out.Reason)
	}
	if len(out.MilestonesAchieved) > 0 {
		fmt.Printf("%-6s %10s %12s %16s  %s\n", "ID", "THRESHOLD", "INR", "BSK", "DESCRIPTION")
		for _, m := range out.MilestonesAchieved {
			fmt.Printf("%-6d %10d %12s %16s  %s\n",
				m.MilestoneID,
				m.VIPCountThreshold,
				m.RewardINRValue.String(),
				formatBSK(m.BSKRewarded),
				m.RewardDescription,
			)
		}
		fmt.Printf("Total rewarded: %s BSK\n", colorizeAmount(out.TotalRewarded))
	}
	if len(out.AlreadyClaimed) > 0 {
		ids := make([]string, 0, len(out.AlreadyClaimed))
		for _, id := range out.AlreadyClaimed {
			ids = append(ids, fmt.Sprint(id))
		}
		printInfo("Already claimed: " + strings.Join(ids, ", "))
	}
	for _, f := range out.Failed {
		printError(fmt.Sprintf("Milestone %d failed: %s", f.MilestoneID, f.Error))
	}
	fmt.Println()
}

func renderClaims(userID string, claims []rewards.MilestoneClaim) {
	accent.Printf("\n== CLAIMS %s ==\n", userID)
	if len(claims) == 0 {
		printInfo("No milestones claimed yet.")
		return
	}
	fmt.Printf("%-6s %8s %16s %-16s\n", "ID", "VIPS", "BSK", "CLAIMED")
	for _, c := range claims {
		fmt.Printf("%-6d %8d %16s %-16s\n",
			c.MilestoneID,
			c.VIPCountAtClaim,
			formatBSK(c.BSKRewarded),
			c.ClaimedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	fmt.Println()
}

func renderBalance(b rewards.Balance) {
	accent.Printf("\n== BALANCE %s ==\n", b.UserID)
	fmt.Printf("Holding:       %s BSK (earned %s)\n", formatBSK(b.HoldingBalance), formatBSK(b.TotalEarnedHolding))
	fmt.Printf("Withdrawable:  %s BSK (earned %s)\n", formatBSK(b.WithdrawableBalance), formatBSK(b.TotalEarnedWithdrawable))
	if !b.UpdatedAt.IsZero() {
		fmt.Printf("Updated:       %s\n", b.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Println()
}

func renderHistory(userID string, rows []rewards.CommissionEntry) {
	accent.Printf("\n== COMMISSIONS %s ==\n", userID)
	if len(rows) == 0 {
		printInfo("No commissions yet.")
		return
	}
	fmt.Printf("%-16s %-24s %-5s %-14s %14s %8s %16s\n", "WHEN", "EVENT", "LVL", "TYPE", "BASE", "RATE", "BSK")
	for _, r := range rows {
		fmt.Printf("%-16s %-24s %-5d %-14s %14s %7s%% %16s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			truncate(r.EventID, 24),
			r.Level,
			truncate(r.EarningType, 14),
			formatBSK(r.BaseAmount),
			r.CommissionPercent.String(),
			formatBSK(r.CommissionBSK),
		)
	}
	fmt.Println()
}

func renderReconciliation(rep rewards.ReconciliationReport) {
	accent.Println("\n== RECONCILIATION ==")
	if len(rep.Drifts) == 0 && len(rep.UnmatchedCommissions) == 0 {
		printSuccess("Balances match the bonus ledger.")
		return
	}
	if len(rep.Drifts) > 0 {
		fmt.Printf("%-36s %-13s %16s %16s %16s\n", "USER", "POOL", "LEDGER", "BALANCE", "DRIFT")
		for _, d := range rep.Drifts {
			fmt.Printf("%-36s %-13s %16s %16s %16s\n",
				d.UserID,
				d.Pool,
				formatBSK(d.LedgerTotal),
				formatBSK(d.BalanceTotal),
				colorizeAmount(d.Drift),
			)
		}
	}
	if len(rep.UnmatchedCommissions) > 0 {
		fmt.Println()
		danger.Println("Commissions without a bonus entry")
		for _, c := range rep.UnmatchedCommissions {
			fmt.Printf("%-24s L%-3d %-36s %16s\n", truncate(c.EventID, 24), c.Level, c.SponsorID, formatBSK(c.CommissionBSK))
		}
	}
	fmt.Println()
}

func renderPolicy(snap rewards.PolicySnapshot) {
	accent.Println("\n== POLICY ==")
	if snap.Settings == nil {
		printWarn("No settings block: distribution will report disabled.")
	} else {
		s := snap.Settings
		fmt.Printf("Active: %t  Max levels: %d  Cap USD: %s  INR/BSK: %s\n", s.IsActive, s.MaxLevels, s.CapUSD.String(), s.INRPerBSK.String())
	}

	badges := make([]string, 0, len(snap.BadgeThresholds))
	for name := range snap.BadgeThresholds {
		badges = append(badges, name)
	}
	sort.Slice(badges, func(i, j int) bool {
		return snap.BadgeThresholds[badges[i]] < snap.BadgeThresholds[badges[j]]
	})
	for _, name := range badges {
		fmt.Printf("Badge %-14s unlocks %d levels\n", name, snap.BadgeThresholds[name])
	}

	levels := make([]int, 0, len(snap.Rates))
	for level := range snap.Rates {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	for _, level := range levels {
		fmt.Printf("Level %-3d %s%%\n", level, snap.Rates[level].String())
	}
	for _, m := range snap.Milestones {
		fmt.Printf("Milestone %d: %d VIPs -> %s INR (active=%t)\n", m.ID, m.VIPCountThreshold, m.RewardINRValue.String(), m.IsActive)
	}
	fmt.Println()
}

func renderOutbox(entries []syncq.Entry) {
	accent.Println("\n== OUTBOX ==")
	if len(entries) == 0 {
		printInfo("Outbox is empty.")
		return
	}
	fmt.Printf("%-16s %-15s %-36s %8s  %s\n", "QUEUED", "KIND", "EVENT", "TRIES", "LAST ERROR")
	for _, e := range entries {
		fmt.Printf("%-16s %-15s %-36s %8d  %s\n",
			e.QueuedAt.Local().Format("2006-01-02 15:04"),
			e.Trigger.Kind,
			truncate(e.Trigger.Label(), 36),
			e.Attempts,
			truncate(e.LastError, 60),
		)
	}
	fmt.Println()
}

func colorizeAmount(v decimal.Decimal) string {
	text := formatBSK(v)
	switch {
	case v.IsPositive():
		return success.Sprint(text)
	case v.IsNegative():
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

// formatBSK prints v with grouped thousands and up to 8 decimals, trailing
// zeros trimmed.
func formatBSK(v decimal.Decimal) string {
	sign := ""
	if v.IsNegative() {
		sign = "-"
		v = v.Neg()
	}
	text := v.StringFixed(8)
	whole, frac, _ := strings.Cut(text, ".")
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return sign + comma(whole)
	}
	return sign + comma(whole) + "." + frac
}

func comma(s string) string {
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// FundamentalRepo persists financial reports.
type FundamentalRepo struct {
	s *Store
}

// Upsert inserts or replaces reports on (canonical_id, as_of_date, report_type).
func (r *FundamentalRepo) Upsert(ctx context.Context, reports []core.Fundamental) error {
	for _, f := range reports {
		if err := r.s.requireAsset(ctx, f.ID); err != nil {
			return err
		}
		_, err := r.s.c.exec(ctx, `
			INSERT INTO fundamentals (canonical_id, as_of_date, report_type, revenue_ttm, net_income_ttm,
				operating_cashflow_ttm, shares_diluted, eps_ttm, total_equity, report_price, report_pe,
				currency, data_source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (canonical_id, as_of_date, report_type) DO UPDATE SET
				revenue_ttm = excluded.revenue_ttm,
				net_income_ttm = excluded.net_income_ttm,
				operating_cashflow_ttm = excluded.operating_cashflow_ttm,
				shares_diluted = excluded.shares_diluted,
				eps_ttm = excluded.eps_ttm,
				total_equity = excluded.total_equity,
				report_price = excluded.report_price,
				report_pe = excluded.report_pe,
				currency = excluded.currency,
				data_source = excluded.data_source`,
			string(f.ID), formatDate(f.AsOf), string(f.ReportType),
			nullFloat(f.Revenue), nullFloat(f.NetIncome), nullFloat(f.OperatingCashflow),
			nullFloat(f.SharesDiluted), nullFloat(f.EPS), nullFloat(f.TotalEquity),
			nullFloat(f.ReportPrice), nullFloat(f.ReportPE), f.Currency, f.DataSource,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpTo returns reports with as_of_date on or before date, oldest first.
// A zero date returns everything.
func (r *FundamentalRepo) UpTo(ctx context.Context, id core.CanonicalID, date time.Time) ([]core.Fundamental, error) {
	q := `SELECT canonical_id, as_of_date, report_type, revenue_ttm, net_income_ttm,
			operating_cashflow_ttm, shares_diluted, eps_ttm, total_equity, report_price, report_pe,
			currency, data_source
		FROM fundamentals WHERE canonical_id = ?`
	args := []any{string(id)}
	if !date.IsZero() {
		q += ` AND as_of_date <= ?`
		args = append(args, formatDate(date))
	}
	q += ` ORDER BY as_of_date ASC, report_type ASC`

	rows, err := r.s.c.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Fundamental
	for rows.Next() {
		var (
			f                                 core.Fundamental
			cid, asOf, rtype                  string
			rev, ni, ocf, shares, eps, equity sql.NullFloat64
			price, pe                         sql.NullFloat64
		)
		if err := rows.Scan(&cid, &asOf, &rtype, &rev, &ni, &ocf, &shares, &eps, &equity, &price, &pe,
			&f.Currency, &f.DataSource); err != nil {
			return nil, err
		}
		f.ID = core.CanonicalID(cid)
		if f.AsOf, err = parseDate(asOf); err != nil {
			return nil, err
		}
		f.ReportType = core.ReportType(rtype)
		f.Revenue, f.NetIncome, f.OperatingCashflow = fromNull(rev), fromNull(ni), fromNull(ocf)
		f.SharesDiluted, f.EPS, f.TotalEquity = fromNull(shares), fromNull(eps), fromNull(equity)
		f.ReportPrice, f.ReportPE = fromNull(price), fromNull(pe)
		out = append(out, f)
	}
	return out, rows.Err()
}

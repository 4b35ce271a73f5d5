package postgres

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    type             TEXT NOT NULL,
    category         TEXT NOT NULL DEFAULT '',
    subcategory      TEXT NOT NULL DEFAULT '',
    description      TEXT NOT NULL DEFAULT '',
    difficulty       TEXT NOT NULL DEFAULT 'unrated'
                     CHECK (difficulty IN ('easy', 'medium', 'hard', 'unrated')),
    is_priority      BOOLEAN NOT NULL DEFAULT FALSE,
    display_order    INTEGER,
    boost_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1,
    promo_title      TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(type);

CREATE TABLE IF NOT EXISTS claims (
    id           TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
    user_id      TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'claimed'
                 CHECK (status IN ('claimed', 'in_progress', 'waiting_review', 'accepted')),
    claimed_at   TIMESTAMPTZ NOT NULL,
    started_at   TIMESTAMPTZ,
    submitted_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_claims_user ON claims(user_id, status);

CREATE OR REPLACE VIEW v_tasks AS
SELECT
    t.id, t.type, t.category, t.subcategory, t.description, t.difficulty,
    t.is_priority, t.display_order, t.boost_multiplier, t.promo_title,
    EXISTS (SELECT 1 FROM claims c WHERE c.task_id = t.id) AS is_claimed,
    (t.boost_multiplier > 1 OR t.promo_title <> '') AS promoted
FROM tasks t;

CREATE OR REPLACE VIEW v_type_counts AS
SELECT
    type,
    COUNT(*)::int AS total,
    COUNT(*) FILTER (WHERE NOT is_claimed)::int AS available
FROM v_tasks
GROUP BY type;
`

package store

// _schema is the DDL executed when Open creates a fresh metadata.db. Every
// table carries an integer id column and a datestamp column, and every
// link-table's name and id columns follow the derivable convention §6.2
// requires so LinkTable/LinkColumns can reconstruct them from the two
// entity table names alone.
const _schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS books (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    title         TEXT NOT NULL DEFAULT 'Unknown',
    sort          TEXT,
    author_sort   TEXT,
    series_index  REAL NOT NULL DEFAULT 1.0,
    timestamp     TEXT,
    pubdate       TEXT,
    last_modified TEXT NOT NULL DEFAULT '2000-01-01 00:00:00+00:00',
    uuid          TEXT,
    path          TEXT NOT NULL DEFAULT '',
    notes         TEXT,
    has_cover     INTEGER NOT NULL DEFAULT 0,
    datestamp     TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS authors (
    id        INTEGER PRIMARY KEY,
    name      TEXT NOT NULL COLLATE nocase_icu,
    sort      TEXT,
    link      TEXT NOT NULL DEFAULT '',
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(name)
);

CREATE TABLE IF NOT EXISTS series (
    id        INTEGER PRIMARY KEY,
    name      TEXT NOT NULL COLLATE nocase_icu,
    parent    INTEGER REFERENCES series(id) ON DELETE SET NULL,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(name)
);

CREATE TABLE IF NOT EXISTS publishers (
    id        INTEGER PRIMARY KEY,
    name      TEXT NOT NULL COLLATE nocase_icu,
    parent    INTEGER REFERENCES publishers(id) ON DELETE SET NULL,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(name)
);

CREATE TABLE IF NOT EXISTS tags (
    id        INTEGER PRIMARY KEY,
    name      TEXT NOT NULL COLLATE nocase_icu,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(name)
);

CREATE TABLE IF NOT EXISTS subjects (
    id        INTEGER PRIMARY KEY,
    name      TEXT NOT NULL COLLATE nocase_icu,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(name)
);

CREATE TABLE IF NOT EXISTS genre (
    id        INTEGER PRIMARY KEY,
    name      TEXT NOT NULL COLLATE nocase_icu,
    parent    INTEGER REFERENCES genre(id) ON DELETE SET NULL,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(name)
);

CREATE TABLE IF NOT EXISTS synopses (
    id        INTEGER PRIMARY KEY,
    val       TEXT NOT NULL,
    datestamp TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS languages (
    id        INTEGER PRIMARY KEY,
    name      TEXT NOT NULL COLLATE nocase_icu,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(name)
);

CREATE TABLE IF NOT EXISTS ratings (
    id        INTEGER PRIMARY KEY,
    name      TEXT NOT NULL,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(name)
);

CREATE TABLE IF NOT EXISTS comments (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    val       TEXT NOT NULL,
    type      TEXT NOT NULL DEFAULT '',
    datestamp TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS identifiers (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    type      TEXT NOT NULL DEFAULT 'isbn',
    val       TEXT NOT NULL,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, type)
);

CREATE TABLE IF NOT EXISTS data (
    id                INTEGER PRIMARY KEY,
    book              INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    format            TEXT NOT NULL,
    priority          INTEGER NOT NULL DEFAULT 1,
    uncompressed_size INTEGER NOT NULL DEFAULT 0,
    name              TEXT NOT NULL DEFAULT '',
    datestamp         TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS books_authors_link (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    author    INTEGER NOT NULL REFERENCES authors(id),
    type      TEXT NOT NULL DEFAULT 'authors',
    priority  INTEGER NOT NULL DEFAULT 0,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, author, type)
);

CREATE TABLE IF NOT EXISTS books_series_link (
    id           INTEGER PRIMARY KEY,
    book         INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    series       INTEGER NOT NULL REFERENCES series(id),
    priority     INTEGER NOT NULL DEFAULT 0,
    series_index REAL NOT NULL DEFAULT 1.0,
    datestamp    TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, series)
);

CREATE TABLE IF NOT EXISTS books_publishers_link (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    publisher INTEGER NOT NULL REFERENCES publishers(id),
    priority  INTEGER NOT NULL DEFAULT 0,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, publisher)
);

CREATE TABLE IF NOT EXISTS books_tags_link (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    tag       INTEGER NOT NULL REFERENCES tags(id),
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, tag)
);

CREATE TABLE IF NOT EXISTS books_subjects_link (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    subject   INTEGER NOT NULL REFERENCES subjects(id),
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, subject)
);

CREATE TABLE IF NOT EXISTS books_genre_link (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    genre     INTEGER NOT NULL REFERENCES genre(id),
    priority  INTEGER NOT NULL DEFAULT 0,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, genre)
);

CREATE TABLE IF NOT EXISTS books_synopses_link (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    synopsis  INTEGER NOT NULL REFERENCES synopses(id),
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, synopsis)
);

CREATE TABLE IF NOT EXISTS books_languages_link (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    language  INTEGER NOT NULL REFERENCES languages(id),
    type      TEXT NOT NULL DEFAULT 'primary',
    priority  INTEGER NOT NULL DEFAULT 0,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, language, type)
);

CREATE TABLE IF NOT EXISTS books_ratings_link (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    rating    INTEGER NOT NULL REFERENCES ratings(id),
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, rating)
);

CREATE TABLE IF NOT EXISTS last_read_positions (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    format    TEXT NOT NULL,
    user      TEXT NOT NULL,
    device    TEXT NOT NULL,
    cfi       TEXT NOT NULL DEFAULT '',
    epoch     REAL NOT NULL DEFAULT 0,
    pos_frac  REAL NOT NULL DEFAULT 0,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, format, user, device)
);

CREATE TABLE IF NOT EXISTS custom_columns (
    id         INTEGER PRIMARY KEY,
    label      TEXT NOT NULL,
    name       TEXT NOT NULL,
    datatype   TEXT NOT NULL,
    is_multiple INTEGER NOT NULL DEFAULT 0,
    normalized INTEGER NOT NULL DEFAULT 1,
    display    TEXT NOT NULL DEFAULT '{}',
    mark_for_delete INTEGER NOT NULL DEFAULT 0,
    datestamp  TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(label)
);

CREATE TABLE IF NOT EXISTS preferences (
    id        INTEGER PRIMARY KEY,
    key       TEXT NOT NULL,
    val       TEXT NOT NULL,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(key)
);

CREATE INDEX IF NOT EXISTS idx_bal_book ON books_authors_link(book);
CREATE INDEX IF NOT EXISTS idx_btl_book ON books_tags_link(book);
CREATE INDEX IF NOT EXISTS idx_bsl_book ON books_series_link(book);
CREATE INDEX IF NOT EXISTS idx_data_book ON data(book);
CREATE INDEX IF NOT EXISTS idx_identifiers_book ON identifiers(book);
`

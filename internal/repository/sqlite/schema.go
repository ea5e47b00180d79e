package sqlite

// Column layouts match the snapshots written by earlier releases, so their
// export files import without translation.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS products (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	price REAL NOT NULL,
	cost REAL NOT NULL,
	stock INTEGER NOT NULL DEFAULT 0,
	category TEXT NOT NULL,
	barcode TEXT,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS sales (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	total REAL NOT NULL,
	items TEXT NOT NULL,
	payment_method TEXT NOT NULL,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS cash_movements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	amount REAL NOT NULL,
	description TEXT NOT NULL,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	password TEXT NOT NULL,
	role TEXT DEFAULT 'user',
	is_active BOOLEAN DEFAULT TRUE,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	last_login TEXT
)`,
	`CREATE TABLE IF NOT EXISTS security_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER,
	username TEXT,
	action TEXT NOT NULL,
	details TEXT,
	ip_address TEXT,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS tasks (` + tasksColumns + `)`,
	`CREATE TABLE IF NOT EXISTS suppliers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	contact_person TEXT,
	phone TEXT,
	email TEXT,
	address TEXT,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS purchases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	supplier_id INTEGER,
	total REAL NOT NULL,
	items TEXT NOT NULL,
	notes TEXT,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (supplier_id) REFERENCES suppliers (id)
)`,
}

const tasksColumns = `
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	description TEXT,
	completed BOOLEAN DEFAULT FALSE,
	assigned_to INTEGER,
	assigned_by INTEGER,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	due_date TEXT,
	FOREIGN KEY (assigned_to) REFERENCES users (id),
	FOREIGN KEY (assigned_by) REFERENCES users (id)
`

type sampleProduct struct {
	name     string
	price    float64
	cost     float64
	stock    int
	category string
}

var sampleProducts = []sampleProduct{
	{name: "Coca Cola 600ml", price: 2.5, cost: 1.5, stock: 50, category: "Bebidas"},
	{name: "Pan Integral", price: 3.0, cost: 2.0, stock: 20, category: "Panadería"},
	{name: "Leche Entera 1L", price: 4.0, cost: 3.0, stock: 30, category: "Lácteos"},
}

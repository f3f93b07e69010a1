// Package sqlite предоставляет инфраструктуру встроенной SQLite для журнала исходов.
//
// Пакет открывает БД с настроенными PRAGMA, выполняет функции внутри транзакции
// с повтором при SQLITE_BUSY и применяет миграции, встроенные в бинарник.
//
// # Быстрый старт
//
//	db, err := sqlite.Open(ctx, "data/journal.db", sqlite.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	if _, err := sqlite.Migrate(db, migrations, "migrations/sqlite"); err != nil {
//		return err
//	}
//
//	runner := sqlite.NewTxRunner(db)
//	err = runner.WithinTx(ctx, func(ctx context.Context) error {
//		_, err := runner.GetQuerier(ctx).ExecContext(ctx, "DELETE FROM outcomes")
//		return err
//	})
//
// # Тестирование
//
//	func TestSomething(t *testing.T) {
//		tdb := sqlite.NewTestDB(t)
//		// tdb.DB и tdb.TxRunner закрываются по завершении теста
//	}
package sqlite
